package relaydoc

import (
	"time"

	"github.com/golang/glog"
)

func (b *Broker) seedQueuedSinksFromQueue() {
	if b.sinkQueue == nil {
		return
	}
	snapshotter, ok := b.sinkQueue.(sinkQueueSnapshotter)
	if !ok {
		return
	}
	for _, task := range snapshotter.SnapshotTasks() {
		if key := task.Key(); key != "" {
			b.queuedSinks[key] = struct{}{}
		}
	}
}

// enqueueSink hands a task to the durability sink without blocking the
// caller's lane. A full queue is drained into from a goroutine.
func (b *Broker) enqueueSink(task SinkTask) {
	key := task.Key()
	if key == "" || b.persistence == nil || b.sinkQueue == nil {
		return
	}
	select {
	case <-b.closed:
		return
	default:
	}
	b.queueMu.Lock()
	if _, exists := b.queuedSinks[key]; exists {
		b.queueMu.Unlock()
		return
	}
	b.queuedSinks[key] = struct{}{}
	b.queueMu.Unlock()
	if b.sinkQueue.TryEnqueue(task) {
		return
	}
	go func() {
		if !b.sinkQueue.Enqueue(b.queueCtx, task) {
			b.queueMu.Lock()
			delete(b.queuedSinks, key)
			b.queueMu.Unlock()
		}
	}()
}

func (b *Broker) sinkWorker() {
	for {
		task, ok := b.sinkQueue.Dequeue(b.queueCtx)
		if !ok {
			return
		}
		b.queueMu.Lock()
		delete(b.queuedSinks, task.Key())
		b.queueMu.Unlock()
		b.processSink(task)
	}
}

// processSink writes one task to the persistence backend. Failures are
// retried with a linear backoff; once the attempts run out the task is
// dropped and the document keeps running on memory only.
func (b *Broker) processSink(task SinkTask) {
	err := b.writeSink(task)
	if err == nil {
		return
	}
	task.Attempt++
	if task.Attempt < b.opts.MaxSinkAttempts {
		delay := b.opts.SinkRetryDelay * time.Duration(task.Attempt)
		glog.V(1).Infof("relaydoc: sink %s failed (attempt %d), retrying in %s: %v", task.Key(), task.Attempt, delay, err)
		time.AfterFunc(delay, func() {
			select {
			case <-b.closed:
				return
			default:
				b.enqueueSink(task)
			}
		})
		return
	}
	b.sinkFails.Add(1)
	glog.Warningf("relaydoc: giving up on sink %s after %d attempts, durability degraded to memory: %v", task.Key(), task.Attempt, err)
}

func (b *Broker) writeSink(task SinkTask) error {
	switch task.Kind {
	case SinkAppend:
		// Appends are idempotent per version, so a retried batch may rewrite
		// the records that already landed.
		for _, record := range task.Records {
			if err := b.persistence.AppendToLog(task.DocumentID, record); err != nil {
				return err
			}
		}
		return nil
	case SinkSnapshot:
		return b.persistence.SaveSnapshot(task.Snapshot)
	default:
		return nil
	}
}
