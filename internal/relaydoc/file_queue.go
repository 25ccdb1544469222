package relaydoc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileSinkQueue persists pending sink tasks to a JSON file after every
// change so a restart resumes the backlog.
type fileSinkQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SinkTask
}

type fileSinkQueueState struct {
	Items []SinkTask `json:"items"`
}

func NewFileSinkQueue(path string, capacity int) (SinkQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileSinkQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SinkTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileSinkQueue) TryEnqueue(task SinkTask) bool {
	if task.Key() == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileSinkQueue) Enqueue(ctx context.Context, task SinkTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSinkQueue) Dequeue(ctx context.Context) (SinkTask, bool) {
	for {
		if task, ok := q.pop(); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return SinkTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSinkQueue) pop() (SinkTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return SinkTask{}, false
	}
	task := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]SinkTask{task}, q.items...)
		return SinkTask{}, false
	}
	return task, true
}

func (q *fileSinkQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileSinkQueue) Capacity() int {
	return q.capacity
}

func (q *fileSinkQueue) SnapshotTasks() []SinkTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SinkTask(nil), q.items...)
}

func (q *fileSinkQueue) Close() error {
	return nil
}

func (q *fileSinkQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileSinkQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if len(state.Items) > q.capacity {
		q.items = append([]SinkTask(nil), state.Items[len(state.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]SinkTask(nil), state.Items...)
	return nil
}

func (q *fileSinkQueue) saveLocked() error {
	data, err := json.Marshal(fileSinkQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
