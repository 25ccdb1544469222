package relaydoc

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/relaydoc/internal/document"
	"github.com/agentworkforce/relaydoc/internal/presence"
)

// seedAuthor is recorded on operations that materialize content which was
// not typed by a session: initial content and externally authored snapshots.
const seedAuthor = "relaydoc"

// openLane returns the running lane for a document, loading it from the
// persistence backend on first use. With create set, an unknown document is
// started empty.
func (b *Broker) openLane(ctx context.Context, documentID string, create bool) (*lane, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrClosed
	}
	b.mu.RLock()
	l, ok := b.lanes[documentID]
	b.mu.RUnlock()
	if ok {
		return l, nil
	}

	loaded, found, err := b.loadLane(documentID)
	if err != nil {
		return nil, err
	}
	if !found {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		loaded = b.newEmptyLane(documentID, "")
	}
	installed, _, err := b.installLane(loaded)
	return installed, err
}

// installLane registers l and starts its goroutine unless another lane for
// the same document won the race, in which case that one is returned.
func (b *Broker) installLane(l *lane) (*lane, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return nil, false, ErrClosed
	}
	if existing, ok := b.lanes[l.id]; ok {
		return existing, false, nil
	}
	b.lanes[l.id] = l
	go l.run()
	return l, true, nil
}

func (b *Broker) newEmptyLane(documentID, title string) *lane {
	engine := document.NewEngine(document.EngineOptions{
		MaxPendingAttempts: b.opts.MaxPendingAttempts,
		PendingTimeout:     b.opts.PendingTimeout,
		Now:                b.opts.Now,
	})
	l := newLane(documentID, engine, presence.Options{
		IdleAfter:       b.opts.IdleAfter,
		DisconnectAfter: b.opts.DisconnectAfter,
		Now:             b.opts.Now,
	}, b.opts.SnapshotEvery, b.opts.SubscriberBuffer)
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultDocumentTitle
	}
	now := b.opts.Now()
	l.title = title
	l.createdAt = now
	l.updatedAt = now
	return l
}

func (b *Broker) documentExists(documentID string) (bool, error) {
	b.mu.RLock()
	_, ok := b.lanes[documentID]
	b.mu.RUnlock()
	if ok || b.persistence == nil {
		return ok, nil
	}
	snap, err := b.persistence.LoadSnapshot(documentID)
	if err != nil {
		return false, err
	}
	if snap != nil {
		return true, nil
	}
	records, err := b.persistence.LoadLog(documentID, 0)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// loadLane rebuilds a document from its persisted snapshot and changelog.
// The lane is returned unstarted.
func (b *Broker) loadLane(documentID string) (*lane, bool, error) {
	if b.persistence == nil {
		return nil, false, nil
	}
	snap, err := b.persistence.LoadSnapshot(documentID)
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	records, err := b.persistence.LoadLog(documentID, 0)
	if err != nil {
		return nil, false, fmt.Errorf("load changelog %s: %w", documentID, err)
	}
	if snap == nil && len(records) == 0 {
		return nil, false, nil
	}

	l := b.newEmptyLane(documentID, "")
	var state *document.State
	if snap != nil {
		if strings.TrimSpace(snap.Title) != "" {
			l.title = snap.Title
		}
		if !snap.CreatedAt.IsZero() {
			l.createdAt = snap.CreatedAt
		}
		if !snap.UpdatedAt.IsZero() {
			l.updatedAt = snap.UpdatedAt
		}
		state = snap.State
		if state == nil && snap.Content != "" {
			if len(records) > 0 {
				glog.Warningf("relaydoc: %s has a content-only snapshot; ignoring %d changelog records", documentID, len(records))
			}
			if err := b.seedContent(l, snap.Content); err != nil {
				return nil, false, err
			}
			full := l.snapshot(true)
			b.enqueueSink(SinkTask{DocumentID: documentID, Kind: SinkSnapshot, Snapshot: &full})
			return l, true, nil
		}
	}

	var base uint64
	if state != nil {
		base = state.Version
	}
	usable, dropped := usableLog(records, base)
	if dropped > 0 {
		glog.Warningf("relaydoc: %s changelog has gaps; ignoring %d of %d records", documentID, dropped, len(records))
	}
	if err := l.engine.Load(state, usable); err != nil {
		if state == nil {
			return nil, false, fmt.Errorf("load %s: %w", documentID, err)
		}
		glog.Errorf("relaydoc: replaying changelog of %s failed, falling back to snapshot at %d: %v", documentID, base, err)
		l.engine = document.NewEngine(document.EngineOptions{
			MaxPendingAttempts: b.opts.MaxPendingAttempts,
			PendingTimeout:     b.opts.PendingTimeout,
			Now:                b.opts.Now,
		})
		l.presence = presence.NewTracker(l.engine, presence.Options{
			IdleAfter:       b.opts.IdleAfter,
			DisconnectAfter: b.opts.DisconnectAfter,
			Now:             b.opts.Now,
		})
		if err := l.engine.Load(state, nil); err != nil {
			return nil, false, fmt.Errorf("load %s: %w", documentID, err)
		}
	}
	l.verifiedAt = l.engine.Version()
	glog.Infof("relaydoc: loaded %s at version %d", documentID, l.engine.Version())
	return l, true, nil
}

// usableLog keeps the history below base only when it is complete from
// version 1, and the tail above base up to its first gap.
func usableLog(records []document.Record, base uint64) ([]document.Record, int) {
	var history []document.Record
	for _, r := range records {
		if r.Version <= base {
			history = append(history, r)
		}
	}
	out := make([]document.Record, 0, len(records))
	complete := uint64(len(history)) == base
	for i, r := range history {
		if r.Version != uint64(i+1) {
			complete = false
			break
		}
	}
	if complete {
		out = append(out, history...)
	}
	next := base + 1
	for _, r := range records {
		if r.Version <= base {
			continue
		}
		if r.Version != next {
			break
		}
		out = append(out, r)
		next++
	}
	return out, len(records) - len(out)
}

// seedContent types content into the document from a fresh site. The
// resulting records flow to the sink like any other edit.
func (b *Broker) seedContent(l *lane, content string) error {
	if content == "" {
		return nil
	}
	site := ulid.Make().String()
	target := document.Head
	now := b.opts.Now()
	batch := &acceptBatch{}
	defer b.publish(l, batch)
	for _, r := range content {
		op := l.engine.Stamp(site, document.Operation{
			Kind:      document.KindInsert,
			Target:    target,
			Value:     string(r),
			Author:    seedAuthor,
			CreatedAt: now,
		})
		result, err := l.engine.Apply(op)
		if err != nil {
			return err
		}
		b.accept(l, batch, result)
		target = op.ID
	}
	return nil
}

// evict drops a lane whose engine failed verification. Its sessions are
// forgotten and must join again, which reloads the document from the
// persistence backend.
func (b *Broker) evict(l *lane, cause error) {
	glog.Errorf("relaydoc: evicting %s: %v", l.id, cause)
	b.mu.Lock()
	if current, ok := b.lanes[l.id]; ok && current == l {
		delete(b.lanes, l.id)
	}
	b.mu.Unlock()

	var sessionIDs []string
	_ = l.do(context.Background(), func() error {
		for id := range l.sessions {
			sessionIDs = append(sessionIDs, id)
		}
		l.closeSubscribers()
		return nil
	})
	l.stop()
	b.forgetSessions(sessionIDs...)
}
