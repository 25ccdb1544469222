package relaydoc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydoc/internal/document"
)

func TestWebhookPersistenceRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	type delivery struct {
		path   string
		record document.Record
	}
	deliveries := make(chan delivery, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "relaydoc-test", r.Header.Get("User-Agent"))
		var got document.Record
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		deliveries <- delivery{path: r.URL.Path, record: got}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink := NewWebhookPersistence(WebhookOptions{
		BaseURL:   server.URL + "/",
		UserAgent: "relaydoc-test",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	require.NoError(t, sink.AppendToLog("doc a", testRecord(4, "s1", 4, "q")))
	assert.Equal(t, int32(2), calls.Load())
	got := <-deliveries
	assert.Equal(t, "/documents/doc a/ops", got.path)
	assert.Equal(t, uint64(4), got.record.Version)
	assert.Equal(t, "q", got.record.Operation.Value)
}

func TestWebhookPersistenceGivesUpOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer server.Close()

	sink := NewWebhookPersistence(WebhookOptions{BaseURL: server.URL, BaseDelay: time.Millisecond})
	err := sink.SaveSnapshot(&DocumentSnapshot{ID: "doc", Version: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=404")
	assert.Equal(t, int32(1), calls.Load())

	snap, err := sink.LoadSnapshot("doc")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestWebhookRetryDelay(t *testing.T) {
	sink := NewWebhookPersistence(WebhookOptions{BaseURL: "http://localhost", BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, sink.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, sink.retryDelay(3, ""))
	assert.Equal(t, time.Second, sink.retryDelay(10, ""))
	assert.Equal(t, time.Second, sink.retryDelay(1, "30"))
	assert.Equal(t, 100*time.Millisecond, sink.retryDelay(1, "soon"))
}
