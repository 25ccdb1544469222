package mirror

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

const eventually = 3 * time.Second

type testLogger struct {
	t *testing.T
}

func (l testLogger) Printf(format string, args ...any) {
	l.t.Logf(format, args...)
}

func newTestServer(t *testing.T) (*httptest.Server, *relaydoc.Broker) {
	t.Helper()
	broker := relaydoc.NewBroker(relaydoc.BrokerOptions{AutoCreateDocuments: true})
	server := httptest.NewServer(httpapi.NewServer(broker))
	t.Cleanup(func() {
		server.Close()
		broker.Close()
	})
	return server, broker
}

func dialReplica(t *testing.T, baseURL, documentID, userID string) *Replica {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := Dial(ctx, ReplicaOptions{
		BaseURL:           baseURL,
		DocumentID:        documentID,
		UserID:            userID,
		Name:              userID,
		Logger:            testLogger{t: t},
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		HeartbeatInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReplicasConvergeOnSequentialEdits(t *testing.T) {
	server, broker := newTestServer(t)
	ctx := context.Background()
	_, err := broker.CreateDocument(ctx, relaydoc.CreateDocumentRequest{ID: "notes", Title: "Notes", Content: "hi"})
	require.NoError(t, err)

	alice := dialReplica(t, server.URL, "notes", "alice")
	bob := dialReplica(t, server.URL, "notes", "bob")
	assert.Equal(t, "hi", alice.Text())
	assert.Equal(t, "Notes", bob.Title())
	assert.Equal(t, uint64(2), bob.Version())

	require.NoError(t, alice.Insert(ctx, 2, " there"))
	assert.Equal(t, "hi there", alice.Text())
	require.Eventually(t, func() bool { return bob.Text() == "hi there" }, eventually, 5*time.Millisecond)

	require.NoError(t, bob.Delete(ctx, 0, 2))
	require.NoError(t, bob.Insert(ctx, 0, "Oh,"))
	require.Eventually(t, func() bool { return alice.Text() == "Oh, there" }, eventually, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return alice.Unacked() == 0 && bob.Unacked() == 0 && alice.Version() == bob.Version()
	}, eventually, 5*time.Millisecond)
	stats, err := broker.Stats(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, stats.Version, alice.Version())
	snap, err := broker.GetDocument(ctx, "notes", false)
	require.NoError(t, err)
	assert.Equal(t, "Oh, there", snap.Content)
}

func TestReplicasConvergeOnConcurrentEdits(t *testing.T) {
	server, broker := newTestServer(t)
	ctx := context.Background()
	_, err := broker.CreateDocument(ctx, relaydoc.CreateDocumentRequest{ID: "race", Content: "ac"})
	require.NoError(t, err)

	alice := dialReplica(t, server.URL, "race", "alice")
	bob := dialReplica(t, server.URL, "race", "bob")

	// Both type at the same offset before seeing each other's edit.
	require.NoError(t, alice.Insert(ctx, 1, "b"))
	require.NoError(t, bob.Insert(ctx, 1, "B"))
	require.NoError(t, bob.Delete(ctx, 0, 1))

	require.Eventually(t, func() bool {
		return alice.Unacked() == 0 && bob.Unacked() == 0 && alice.Text() == bob.Text()
	}, eventually, 5*time.Millisecond)
	text := alice.Text()
	assert.Len(t, []rune(text), 3)
	assert.Contains(t, []string{"bBc", "Bbc"}, text)

	snap, err := broker.GetDocument(ctx, "race", false)
	require.NoError(t, err)
	assert.Equal(t, text, snap.Content)
}

func TestReplicaTracksPeers(t *testing.T) {
	server, _ := newTestServer(t)
	ctx := context.Background()

	alice := dialReplica(t, server.URL, "peers", "alice")
	bob := dialReplica(t, server.URL, "peers", "bob")

	require.Eventually(t, func() bool {
		peers := alice.Peers()
		return len(peers) == 1 && peers[0].UserID == "bob"
	}, eventually, 5*time.Millisecond)

	require.NoError(t, bob.Insert(ctx, 0, "abc"))
	require.Eventually(t, func() bool { return alice.Text() == "abc" }, eventually, 5*time.Millisecond)
	require.NoError(t, bob.MoveCursor(ctx, 1))
	require.Eventually(t, func() bool {
		peers := alice.Peers()
		return len(peers) == 1 && peers[0].Cursor != nil && peers[0].Cursor.Offset == 1
	}, eventually, 5*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return len(alice.Peers()) == 0 }, eventually, 5*time.Millisecond)
	assert.ErrorIs(t, bob.Insert(ctx, 0, "x"), ErrReplicaClosed)
}

func TestReplicaResumesAndResendsQueuedEdits(t *testing.T) {
	server, broker := newTestServer(t)
	ctx := context.Background()
	_, err := broker.CreateDocument(ctx, relaydoc.CreateDocumentRequest{ID: "resume", Content: "base"})
	require.NoError(t, err)

	alice := dialReplica(t, server.URL, "resume", "alice")
	bob := dialReplica(t, server.URL, "resume", "bob")
	sessionID := alice.Session().ID

	// Drop alice's socket and edit while she is away on both sides.
	alice.mu.Lock()
	conn := alice.conn
	alice.mu.Unlock()
	require.NoError(t, conn.Close(websocket.StatusGoingAway, "network lost"))

	require.NoError(t, alice.Insert(ctx, 4, "!"))
	require.NoError(t, bob.Insert(ctx, 0, ">"))

	require.Eventually(t, func() bool {
		return alice.Text() == ">base!" && bob.Text() == ">base!" && alice.Unacked() == 0
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, sessionID, alice.Session().ID)

	sessions, err := broker.Sessions(ctx, "resume")
	require.NoError(t, err)
	for _, s := range sessions {
		if s.ID == sessionID {
			assert.NotEqual(t, presence.Disconnected, s.Liveness)
		}
	}
}

func TestReplicaResyncRebuildsFromSnapshot(t *testing.T) {
	server, broker := newTestServer(t)
	ctx := context.Background()
	_, err := broker.CreateDocument(ctx, relaydoc.CreateDocumentRequest{ID: "resync", Content: "xyz"})
	require.NoError(t, err)

	alice := dialReplica(t, server.URL, "resync", "alice")
	bob := dialReplica(t, server.URL, "resync", "bob")
	require.NoError(t, bob.Insert(ctx, 3, "!"))
	require.Eventually(t, func() bool { return alice.Text() == "xyz!" }, eventually, 5*time.Millisecond)

	// Corrupt alice's view, then rebuild it from the server.
	alice.mu.Lock()
	alice.title = "stale"
	alice.mu.Unlock()
	require.NoError(t, alice.Resync(ctx))
	assert.Equal(t, "xyz!", alice.Text())
	assert.Equal(t, "", alice.Title())
	assert.Equal(t, bob.Version(), alice.Version())
}

func TestDialValidatesOptions(t *testing.T) {
	_, err := Dial(context.Background(), ReplicaOptions{BaseURL: "http://127.0.0.1:1", UserID: "alice"})
	assert.ErrorIs(t, err, relaydoc.ErrInvalidInput)
	_, err = Dial(context.Background(), ReplicaOptions{BaseURL: "http://127.0.0.1:1", DocumentID: "doc"})
	assert.ErrorIs(t, err, relaydoc.ErrInvalidInput)
}

func TestReplicaMarkVersionWaitsForGaps(t *testing.T) {
	r := &Replica{version: 3, ahead: map[uint64]struct{}{}}
	r.markVersion(5)
	assert.Equal(t, uint64(3), r.version)
	r.markVersion(2)
	assert.Equal(t, uint64(3), r.version)
	r.markVersion(4)
	assert.Equal(t, uint64(5), r.version)
	assert.Empty(t, r.ahead)
}

func TestSocketURL(t *testing.T) {
	q := map[string][]string{"userId": {"alice"}}
	assert.Equal(t, "ws://localhost:8080/v1/documents/notes%2Ftoday/ws?userId=alice", socketURL("http://localhost:8080", "notes/today", q))
	assert.Equal(t, "wss://docs.example.com/v1/documents/a/ws?userId=alice", socketURL("https://docs.example.com", "a", q))
}
