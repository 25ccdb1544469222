package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

func newTestServer(t *testing.T) (*httptest.Server, *relaydoc.Broker) {
	t.Helper()
	broker := relaydoc.NewBroker(relaydoc.BrokerOptions{})
	server := httptest.NewServer(httpapi.NewServer(broker))
	t.Cleanup(func() {
		server.Close()
		broker.Close()
	})
	return server, broker
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	createTitle, createContent, createFile = "", "", ""
	logSince, logPageSize, logMax = 0, 500, 0

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	names := make([]string, 0)
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"ls", "create", "cat", "rename", "stats", "who", "log", "mirror"} {
		assert.Contains(t, names, want)
	}
}

func TestCatCmd_RequiresExactlyOneArg(t *testing.T) {
	_, err := execute(t, "cat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestListCmd_Empty(t *testing.T) {
	server, _ := newTestServer(t)
	out, err := execute(t, "--base-url", server.URL, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No documents")
}

func TestCreateCatAndList(t *testing.T) {
	server, broker := newTestServer(t)

	out, err := execute(t, "--base-url", server.URL, "create", "notes", "--title", "Notes", "--content", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "Created notes at version 5")

	out, err = execute(t, "--base-url", server.URL, "cat", "notes")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = execute(t, "--base-url", server.URL, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "notes\tNotes\tv5")

	out, err = execute(t, "--base-url", server.URL, "rename", "notes", "Daily notes")
	require.NoError(t, err)
	assert.Contains(t, out, `Renamed notes to "Daily notes"`)
	snap, err := broker.GetDocument(context.Background(), "notes", false)
	require.NoError(t, err)
	assert.Equal(t, "Daily notes", snap.Title)
}

func TestCreateFromFile(t *testing.T) {
	server, _ := newTestServer(t)
	path := filepath.Join(t.TempDir(), "seed.txt")
	require.NoError(t, os.WriteFile(path, []byte("from disk"), 0o644))

	_, err := execute(t, "--base-url", server.URL, "create", "seeded", "--file", path)
	require.NoError(t, err)
	out, err := execute(t, "--base-url", server.URL, "cat", "seeded")
	require.NoError(t, err)
	assert.Equal(t, "from disk", out)

	_, err = execute(t, "--base-url", server.URL, "create", "both", "--file", path, "--content", "x")
	require.Error(t, err)
}

func TestCatMissingDocument(t *testing.T) {
	server, _ := newTestServer(t)
	_, err := execute(t, "--base-url", server.URL, "cat", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get document")
}

func TestLogPagesThroughHistory(t *testing.T) {
	server, _ := newTestServer(t)
	_, err := execute(t, "--base-url", server.URL, "create", "hist", "--content", "abcde")
	require.NoError(t, err)

	out, err := execute(t, "--base-url", server.URL, "log", "hist", "--page-size", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "insert")
	assert.Contains(t, lines[0], `"a"`)
	assert.Contains(t, lines[4], `"e"`)

	out, err = execute(t, "--base-url", server.URL, "log", "hist", "--since", "3", "-n", "1")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"d"`)
}

func TestStatsAndWho(t *testing.T) {
	server, broker := newTestServer(t)
	ctx := context.Background()
	_, err := broker.CreateDocument(ctx, relaydoc.CreateDocumentRequest{ID: "team", Content: "two words"})
	require.NoError(t, err)

	out, err := execute(t, "--base-url", server.URL, "who", "team")
	require.NoError(t, err)
	assert.Contains(t, out, "Nobody here")

	_, _, err = broker.Connect(ctx, "team", "alice", "Alice")
	require.NoError(t, err)

	out, err = execute(t, "--base-url", server.URL, "who", "team")
	require.NoError(t, err)
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "active")

	out, err = execute(t, "--base-url", server.URL, "stats", "team")
	require.NoError(t, err)
	assert.Contains(t, out, "Characters: 9")
	assert.Contains(t, out, "Words:      2")
	assert.Contains(t, out, "Sessions:   1 (1 active)")
}

func TestMirrorRequiresUser(t *testing.T) {
	mirrorUser = ""
	defer func() { mirrorUser = "" }()
	_, err := execute(t, "mirror", "doc", "--user", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user is required")
}

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_FLOAT", "0.35")
	if got := floatEnv("RELAYDOC_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
	t.Setenv("RELAYDOC_TEST_FLOAT", "oops")
	if got := floatEnv("RELAYDOC_TEST_FLOAT", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(-time.Second, 0.2, 1); got != -time.Second {
		t.Fatalf("expected a disabled interval to pass through, got %s", got)
	}
}
