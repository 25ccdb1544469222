package relaydoc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/relaydoc/internal/document"
)

type SinkTaskKind string

const (
	SinkAppend   SinkTaskKind = "append"
	SinkSnapshot SinkTaskKind = "snapshot"
)

// SinkTask is one unit of work for the durability sink: either the records
// one submit accepted, to append to a document's changelog, or a snapshot to
// store.
type SinkTask struct {
	DocumentID string            `json:"documentId"`
	Kind       SinkTaskKind      `json:"kind"`
	Records    []document.Record `json:"records,omitempty"`
	Snapshot   *DocumentSnapshot `json:"snapshot,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
}

// Key identifies a task for deduplication. It is empty for malformed tasks.
func (t SinkTask) Key() string {
	if strings.TrimSpace(t.DocumentID) == "" {
		return ""
	}
	switch t.Kind {
	case SinkAppend:
		if len(t.Records) == 0 {
			return ""
		}
		first, last := t.Records[0].Version, t.Records[len(t.Records)-1].Version
		if first == last {
			return fmt.Sprintf("%s/append/%d", t.DocumentID, first)
		}
		return fmt.Sprintf("%s/append/%d-%d", t.DocumentID, first, last)
	case SinkSnapshot:
		if t.Snapshot == nil {
			return ""
		}
		return fmt.Sprintf("%s/snapshot/%d", t.DocumentID, t.Snapshot.Version)
	default:
		return ""
	}
}

type SinkQueue interface {
	TryEnqueue(task SinkTask) bool
	Enqueue(ctx context.Context, task SinkTask) bool
	Dequeue(ctx context.Context) (SinkTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type sinkQueueSnapshotter interface {
	SnapshotTasks() []SinkTask
}

type inMemorySinkQueue struct {
	ch    chan SinkTask
	items map[string]SinkTask
	mu    sync.Mutex
}

func NewInMemorySinkQueue(capacity int) SinkQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemorySinkQueue{
		ch:    make(chan SinkTask, capacity),
		items: make(map[string]SinkTask),
	}
}

func (q *inMemorySinkQueue) TryEnqueue(task SinkTask) bool {
	key := task.Key()
	if q == nil || key == "" {
		return false
	}
	select {
	case q.ch <- task:
		q.mu.Lock()
		q.items[key] = task
		q.mu.Unlock()
		return true
	default:
		return false
	}
}

func (q *inMemorySinkQueue) Enqueue(ctx context.Context, task SinkTask) bool {
	key := task.Key()
	if q == nil || key == "" {
		return false
	}
	select {
	case q.ch <- task:
		q.mu.Lock()
		q.items[key] = task
		q.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemorySinkQueue) Dequeue(ctx context.Context) (SinkTask, bool) {
	if q == nil {
		return SinkTask{}, false
	}
	select {
	case task := <-q.ch:
		q.mu.Lock()
		delete(q.items, task.Key())
		q.mu.Unlock()
		return task, true
	case <-ctx.Done():
		return SinkTask{}, false
	}
}

func (q *inMemorySinkQueue) SnapshotTasks() []SinkTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SinkTask, 0, len(q.items))
	for _, task := range q.items {
		out = append(out, task)
	}
	return out
}

func (q *inMemorySinkQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemorySinkQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemorySinkQueue) Close() error {
	return nil
}
