// Package relaydoc is the session broker: it owns one writer lane per open
// document, turns session intents into stamped operations, fans accepted
// changes out to subscribers, and streams them to the durability sink.
package relaydoc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaydoc/internal/document"
	"github.com/agentworkforce/relaydoc/internal/presence"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrClosed           = errors.New("broker closed")
	ErrRateLimited      = errors.New("rate limited")
)

const defaultDocumentTitle = "Untitled Document"

type BrokerOptions struct {
	Persistence     PersistenceBackend
	SinkQueue       SinkQueue
	SinkWorkers     int
	MaxSinkAttempts int
	SinkRetryDelay  time.Duration
	// SnapshotEvery is the number of accepted operations between snapshots
	// handed to the sink.
	SnapshotEvery      int
	ReconnectGrace     time.Duration
	IdleAfter          time.Duration
	DisconnectAfter    time.Duration
	JanitorInterval    time.Duration
	MaxPendingAttempts int
	PendingTimeout     time.Duration
	SubscriberBuffer   int
	// SubmitRate limits submits per session per second. Zero disables it.
	SubmitRate          float64
	SubmitBurst         int
	AutoCreateDocuments bool
	BackendProfile      string
	DisableWorkers      bool
	Now                 func() time.Time
}

type Session struct {
	ID          string              `json:"id"`
	DocumentID  string              `json:"documentId"`
	UserID      string              `json:"userId"`
	Name        string              `json:"name,omitempty"`
	Color       string              `json:"color"`
	Site        string              `json:"site"`
	ConnectedAt time.Time           `json:"connectedAt"`
	LastSeenAt  time.Time           `json:"lastSeenAt"`
	Liveness    presence.Liveness   `json:"liveness"`
	Cursor      *presence.Cursor    `json:"cursor,omitempty"`
	Selection   *presence.Selection `json:"selection,omitempty"`
}

type IntentKind string

const (
	IntentInsert     IntentKind = "insert"
	IntentDelete     IntentKind = "delete"
	IntentOperations IntentKind = "operations"
)

// Intent is an edit as the view layer expresses it. Insert places Text at
// Position. Delete removes Length characters starting at an offset, or the
// single character named by an anchor. Operations carries operations a
// client replica already stamped with the session's site.
type Intent struct {
	Kind       IntentKind           `json:"kind"`
	Position   document.Position    `json:"position"`
	Text       string               `json:"text,omitempty"`
	Length     int                  `json:"length,omitempty"`
	Operations []document.Operation `json:"operations,omitempty"`
}

func (i Intent) Validate() error {
	switch i.Kind {
	case IntentInsert:
		if i.Text == "" {
			return fmt.Errorf("%w: insert needs text", ErrInvalidInput)
		}
		return i.Position.Validate()
	case IntentDelete:
		if i.Length <= 0 {
			return fmt.Errorf("%w: delete needs a positive length", ErrInvalidInput)
		}
		if err := i.Position.Validate(); err != nil {
			return err
		}
		if i.Position.Anchor != nil && i.Length != 1 {
			return fmt.Errorf("%w: anchored delete removes exactly one character", ErrInvalidInput)
		}
		return nil
	case IntentOperations:
		if len(i.Operations) == 0 {
			return fmt.Errorf("%w: no operations", ErrInvalidInput)
		}
		for _, op := range i.Operations {
			if err := op.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown intent kind %q", ErrInvalidInput, i.Kind)
	}
}

type OperationFailure struct {
	OpID     document.CharID `json:"opId"`
	Reason   string          `json:"reason"`
	Target   document.CharID `json:"target,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

// Ack is the submitter's receipt. Records holds every operation accepted by
// the submit, including buffered operations it unblocked.
type Ack struct {
	Status   document.Status    `json:"status"`
	Version  uint64             `json:"version"`
	Records  []document.Record  `json:"records"`
	Pending  []document.CharID  `json:"pending,omitempty"`
	Failures []OperationFailure `json:"failures,omitempty"`
	Presence []presence.Delta   `json:"presence,omitempty"`
}

type ChangeType string

const (
	ChangeOperation ChangeType = "operation"
	ChangeSnapshot  ChangeType = "snapshot"
	ChangePresence  ChangeType = "presence"
	ChangeFailure   ChangeType = "failure"
)

// Change is one entry of a document's subscription feed. An operation change
// carries every record one submit accepted, in version order; Version is the
// last of them.
type Change struct {
	DocumentID string            `json:"documentId"`
	Type       ChangeType        `json:"type"`
	Version    uint64            `json:"version"`
	Records    []document.Record `json:"records,omitempty"`
	Snapshot   *DocumentSnapshot `json:"snapshot,omitempty"`
	Presence   []presence.Delta  `json:"presence,omitempty"`
	Failure    *OperationFailure `json:"failure,omitempty"`
	Origin     string            `json:"origin,omitempty"`
}

// Replay is what a reconnecting session needs to catch up: either the
// records after its last known version or, when those were folded into a
// snapshot, the snapshot itself.
type Replay struct {
	Session  Session           `json:"session"`
	Version  uint64            `json:"version"`
	Records  []document.Record `json:"records"`
	Snapshot *DocumentSnapshot `json:"snapshot,omitempty"`
}

type Subscription struct {
	C      <-chan Change
	cancel func()
}

func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

type CreateDocumentRequest struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

type DocumentInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Version   uint64    `json:"version"`
	Sessions  int       `json:"sessions"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type DocumentStats struct {
	DocumentID     string `json:"documentId"`
	Version        uint64 `json:"version"`
	Characters     int    `json:"characters"`
	Words          int    `json:"words"`
	Lines          int    `json:"lines"`
	Sessions       int    `json:"sessions"`
	ActiveSessions int    `json:"activeSessions"`
	Pending        int    `json:"pending"`
}

type OpsPage struct {
	Records    []document.Record `json:"records"`
	Version    uint64            `json:"version"`
	NextCursor uint64            `json:"nextCursor,omitempty"`
}

type BackendStatus struct {
	BackendProfile string `json:"backendProfile,omitempty"`
	Persistence    string `json:"persistence"`
	SinkQueue      string `json:"sinkQueue"`
	SinkQueueDepth int    `json:"sinkQueueDepth"`
	SinkQueueCap   int    `json:"sinkQueueCapacity"`
	SinkFailures   int64  `json:"sinkFailures"`
	Durability     string `json:"durability"`
	Documents      int    `json:"documents"`
}

type Broker struct {
	opts        BrokerOptions
	persistence PersistenceBackend
	sinkQueue   SinkQueue

	mu    sync.RWMutex
	lanes map[string]*lane

	sessionsMu sync.Mutex
	sessions   map[string]string

	queueMu     sync.Mutex
	queuedSinks map[string]struct{}
	sinkFails   atomic.Int64

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewBroker(opts BrokerOptions) *Broker {
	if opts.SinkWorkers <= 0 {
		opts.SinkWorkers = 1
	}
	if opts.MaxSinkAttempts <= 0 {
		opts.MaxSinkAttempts = 3
	}
	if opts.SinkRetryDelay <= 0 {
		opts.SinkRetryDelay = 50 * time.Millisecond
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 100
	}
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = 2 * time.Minute
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Second
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 256
	}
	if opts.SubmitRate > 0 && opts.SubmitBurst <= 0 {
		opts.SubmitBurst = int(opts.SubmitRate)
		if opts.SubmitBurst < 1 {
			opts.SubmitBurst = 1
		}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	profile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if profile == "" {
		profile = "custom"
	}
	opts.BackendProfile = profile

	sinkQueue := opts.SinkQueue
	if sinkQueue == nil && opts.Persistence != nil {
		sinkQueue = NewInMemorySinkQueue(1024)
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	b := &Broker{
		opts:        opts,
		persistence: opts.Persistence,
		sinkQueue:   sinkQueue,
		lanes:       map[string]*lane{},
		sessions:    map[string]string{},
		queuedSinks: map[string]struct{}{},
		closed:      make(chan struct{}),
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
	b.seedQueuedSinksFromQueue()
	if !opts.DisableWorkers {
		if b.sinkQueue != nil && b.persistence != nil {
			b.wg.Add(opts.SinkWorkers)
			for i := 0; i < opts.SinkWorkers; i++ {
				go func() {
					defer b.wg.Done()
					b.sinkWorker()
				}()
			}
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.janitor()
		}()
	}
	return b
}

// Close stops every lane, saves a final snapshot of each document, and
// releases the sink queue and persistence backend.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		lanes := make([]*lane, 0, len(b.lanes))
		for _, l := range b.lanes {
			lanes = append(lanes, l)
		}
		b.lanes = map[string]*lane{}
		b.mu.Unlock()

		snapshots := make([]DocumentSnapshot, 0, len(lanes))
		for _, l := range lanes {
			_ = l.do(context.Background(), func() error {
				snapshots = append(snapshots, l.snapshot(true))
				l.closeSubscribers()
				return nil
			})
			l.stop()
		}
		if b.queueCancel != nil {
			b.queueCancel()
		}
		if b.sinkQueue != nil {
			_ = b.sinkQueue.Close()
		}
		b.wg.Wait()
		if b.persistence != nil {
			for i := range snapshots {
				if err := b.persistence.SaveSnapshot(&snapshots[i]); err != nil {
					glog.Warningf("relaydoc: final snapshot of %s failed: %v", snapshots[i].ID, err)
				}
			}
			if closer, ok := b.persistence.(persistenceCloser); ok && closer != nil {
				_ = closer.Close()
			}
		}
	})
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Connect joins a user to a document and returns the new session together
// with a full snapshot the client can build its replica from.
func (b *Broker) Connect(ctx context.Context, documentID, userID, name string) (Session, DocumentSnapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, DocumentSnapshot{}, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	l, err := b.openLane(ctx, documentID, b.opts.AutoCreateDocuments)
	if err != nil {
		return Session{}, DocumentSnapshot{}, err
	}
	var session Session
	var snapshot DocumentSnapshot
	err = l.do(ctx, func() error {
		now := b.opts.Now()
		session = Session{
			ID:          uuid.NewString(),
			DocumentID:  l.id,
			UserID:      userID,
			Name:        strings.TrimSpace(name),
			Color:       presence.PickColor(userID, l.takenColors("")),
			Site:        ulid.Make().String(),
			ConnectedAt: now,
		}
		state := &sessionState{session: session, limiter: b.newLimiter()}
		l.sessions[session.ID] = state
		l.sites[session.Site] = session.ID
		delta := l.presence.Join(presence.Member{
			SessionID: session.ID,
			UserID:    session.UserID,
			Name:      session.Name,
			Color:     session.Color,
			JoinedAt:  now,
		})
		l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: []presence.Delta{delta}, Origin: session.ID})
		session = l.view(state)
		snapshot = l.snapshot(true)
		return nil
	})
	if err != nil {
		return Session{}, DocumentSnapshot{}, err
	}
	b.sessionsMu.Lock()
	b.sessions[session.ID] = l.id
	b.sessionsMu.Unlock()
	glog.Infof("relaydoc: session %s (%s) joined %s as %s", session.ID, userID, l.id, session.Color)
	return session, snapshot, nil
}

// Submit applies an intent on behalf of a session. Accepted records are
// returned in the ack and broadcast to every other subscriber. Operations
// waiting on causal dependencies are acknowledged as pending.
func (b *Broker) Submit(ctx context.Context, sessionID string, intent Intent) (Ack, error) {
	if err := intent.Validate(); err != nil {
		return Ack{}, err
	}
	l, err := b.sessionLane(sessionID)
	if err != nil {
		return Ack{}, err
	}
	var ack Ack
	err = l.do(ctx, func() error {
		s, err := l.liveSession(sessionID)
		if err != nil {
			return err
		}
		if !s.limiter.Allow() {
			return fmt.Errorf("%w: session %s", ErrRateLimited, sessionID)
		}
		if delta, _ := l.presence.Touch(sessionID); delta != nil {
			l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: []presence.Delta{*delta}, Origin: sessionID})
		}
		var applyErr error
		ack, applyErr = b.applyIntent(l, s, intent)
		return applyErr
	})
	return ack, err
}

func (b *Broker) applyIntent(l *lane, s *sessionState, intent Intent) (Ack, error) {
	ack := Ack{Status: document.StatusApplied, Records: []document.Record{}}
	batch := &acceptBatch{origin: s.session.ID, ack: &ack}
	cursor, err := b.stampIntent(l, s, intent, batch)
	b.publish(l, batch)
	if err != nil {
		return ack, err
	}
	if cursor != nil {
		if delta, err := l.presence.UpdateCursor(s.session.ID, document.AtAnchor(*cursor)); err == nil {
			ack.Presence = append(ack.Presence, delta)
			l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: []presence.Delta{delta}, Origin: s.session.ID})
		}
	}
	ack.Version = l.engine.Version()
	switch {
	case len(ack.Pending) > 0:
		ack.Status = document.StatusPending
	case len(ack.Records) == 0:
		ack.Status = document.StatusDuplicate
	}
	return ack, nil
}

// stampIntent turns the intent into operations and applies them into batch.
// For an insert it returns the last inserted character, where the
// submitter's cursor moves to.
func (b *Broker) stampIntent(l *lane, s *sessionState, intent Intent, batch *acceptBatch) (*document.CharID, error) {
	apply := func(op document.Operation) error {
		result, err := l.engine.Apply(op)
		if err != nil {
			return err
		}
		if result.Status == document.StatusPending {
			batch.ack.Pending = append(batch.ack.Pending, op.ID)
		}
		b.accept(l, batch, result)
		return nil
	}

	now := b.opts.Now()
	site := s.session.Site
	switch intent.Kind {
	case IntentInsert:
		target, err := b.resolveInsertTarget(l, intent.Position)
		if err != nil {
			return nil, err
		}
		for _, r := range intent.Text {
			op := l.engine.Stamp(site, document.Operation{
				Kind:      document.KindInsert,
				Target:    target,
				Value:     string(r),
				Author:    s.session.UserID,
				CreatedAt: now,
			})
			if err := apply(op); err != nil {
				return nil, err
			}
			target = op.ID
		}
		return &target, nil
	case IntentDelete:
		targets, err := b.resolveDeleteTargets(l, intent)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			op := l.engine.Stamp(site, document.Operation{
				Kind:      document.KindDelete,
				Target:    target,
				Author:    s.session.UserID,
				CreatedAt: now,
			})
			if err := apply(op); err != nil {
				return nil, err
			}
		}
	case IntentOperations:
		for _, op := range intent.Operations {
			if op.ID.Site != site {
				return nil, fmt.Errorf("%w: operation %s was not stamped by session site %s", ErrInvalidInput, op.ID, site)
			}
			if err := apply(op); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func (b *Broker) resolveInsertTarget(l *lane, pos document.Position) (document.CharID, error) {
	if pos.Anchor != nil {
		if !l.engine.Contains(*pos.Anchor) && !pos.Anchor.IsHead() {
			return document.CharID{}, &document.UnknownTargetError{Target: *pos.Anchor}
		}
		return *pos.Anchor, nil
	}
	return l.engine.ResolveOffset(*pos.Offset)
}

func (b *Broker) resolveDeleteTargets(l *lane, intent Intent) ([]document.CharID, error) {
	if intent.Position.Anchor != nil {
		if !l.engine.Contains(*intent.Position.Anchor) {
			return nil, &document.UnknownTargetError{Target: *intent.Position.Anchor}
		}
		return []document.CharID{*intent.Position.Anchor}, nil
	}
	start := *intent.Position.Offset
	targets := make([]document.CharID, 0, intent.Length)
	for i := 0; i < intent.Length; i++ {
		id, err := l.engine.CharAt(start + i)
		if err != nil {
			return nil, err
		}
		targets = append(targets, id)
	}
	return targets, nil
}

// acceptBatch collects the records accepted during one call into a lane so
// they reach subscribers and the sink together.
type acceptBatch struct {
	origin  string
	records []document.Record
	// ack is nil when nobody is waiting on a receipt.
	ack *Ack
}

// accept folds one apply result into batch. Sessions whose buffered
// operations failed are told right away.
func (b *Broker) accept(l *lane, batch *acceptBatch, result document.ApplyResult) {
	for _, rec := range result.Applied {
		l.updatedAt = rec.Operation.CreatedAt
		if l.updatedAt.IsZero() {
			l.updatedAt = b.opts.Now()
		}
		batch.records = append(batch.records, rec)
		if batch.ack != nil {
			batch.ack.Records = append(batch.ack.Records, rec)
		}
		glog.V(2).Infof("relaydoc: %s accepted %s %s at version %d", l.id, rec.Operation.Kind, rec.Operation.ID, rec.Version)
	}
	for _, expired := range result.Expired {
		failure := OperationFailure{OpID: expired.OpID, Reason: "pending_timeout", Attempts: expired.Attempts}
		b.reportFailure(l, batch.origin, failure, batch.ack)
	}
	for _, rejected := range result.Rejected {
		failure := OperationFailure{OpID: rejected.OpID, Reason: "unknown_target", Target: rejected.Target}
		b.reportFailure(l, batch.origin, failure, batch.ack)
	}
}

// publish sends a batch out as one operation change and one sink task, and
// remaps cursors once for the whole batch.
func (b *Broker) publish(l *lane, batch *acceptBatch) {
	if len(batch.records) == 0 {
		return
	}
	records := batch.records
	batch.records = nil
	last := records[len(records)-1]
	deltas := l.presence.RemapOnOperation(last.Operation)
	if batch.ack != nil {
		batch.ack.Presence = append(batch.ack.Presence, deltas...)
	}
	l.broadcast(Change{Type: ChangeOperation, Version: last.Version, Records: records, Presence: deltas, Origin: batch.origin})
	b.enqueueSink(SinkTask{DocumentID: l.id, Kind: SinkAppend, Records: records})
	l.sinceSnapshot += len(records)
	if l.sinceSnapshot >= l.snapshotEvery {
		l.sinceSnapshot = 0
		snap := l.snapshot(true)
		b.enqueueSink(SinkTask{DocumentID: l.id, Kind: SinkSnapshot, Snapshot: &snap})
	}
}

func (b *Broker) reportFailure(l *lane, origin string, failure OperationFailure, ack *Ack) {
	owner := l.sites[failure.OpID.Site]
	if owner == origin && ack != nil {
		ack.Failures = append(ack.Failures, failure)
		return
	}
	glog.Warningf("relaydoc: %s dropped buffered operation %s: %s", l.id, failure.OpID, failure.Reason)
	if owner != "" {
		l.notify(owner, Change{Type: ChangeFailure, Version: l.engine.Version(), Failure: &failure})
	}
}

func (b *Broker) MoveCursor(ctx context.Context, sessionID string, pos document.Position) (presence.Delta, error) {
	l, err := b.sessionLane(sessionID)
	if err != nil {
		return presence.Delta{}, err
	}
	var delta presence.Delta
	err = l.do(ctx, func() error {
		if _, err := l.liveSession(sessionID); err != nil {
			return err
		}
		var err error
		delta, err = l.presence.UpdateCursor(sessionID, pos)
		if err != nil {
			return err
		}
		l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: []presence.Delta{delta}, Origin: sessionID})
		return nil
	})
	return delta, err
}

func (b *Broker) MoveSelection(ctx context.Context, sessionID string, anchor, head document.Position) (presence.Delta, error) {
	l, err := b.sessionLane(sessionID)
	if err != nil {
		return presence.Delta{}, err
	}
	var delta presence.Delta
	err = l.do(ctx, func() error {
		if _, err := l.liveSession(sessionID); err != nil {
			return err
		}
		var err error
		delta, err = l.presence.UpdateSelection(sessionID, anchor, head)
		if err != nil {
			return err
		}
		l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: []presence.Delta{delta}, Origin: sessionID})
		return nil
	})
	return delta, err
}

func (b *Broker) Heartbeat(ctx context.Context, sessionID string) error {
	l, err := b.sessionLane(sessionID)
	if err != nil {
		return err
	}
	return l.do(ctx, func() error {
		if _, err := l.liveSession(sessionID); err != nil {
			return err
		}
		delta, err := l.presence.Touch(sessionID)
		if err != nil {
			return err
		}
		if delta != nil {
			l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: []presence.Delta{*delta}})
		}
		return nil
	})
}

// Reconnect revives a session inside its grace period and returns what it
// missed since lastKnownVersion.
func (b *Broker) Reconnect(ctx context.Context, sessionID string, lastKnownVersion uint64) (Replay, error) {
	l, err := b.sessionLane(sessionID)
	if err != nil {
		return Replay{}, err
	}
	var replay Replay
	err = l.do(ctx, func() error {
		s, ok := l.sessions[sessionID]
		if !ok {
			return sessionNotFound(sessionID)
		}
		s.disconnectedAt = time.Time{}
		member, _ := l.presence.Get(sessionID)
		delta := l.presence.Join(member)
		l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: []presence.Delta{delta}, Origin: sessionID})

		replay = Replay{Session: l.view(s), Version: l.engine.Version(), Records: []document.Record{}}
		if lastKnownVersion > l.engine.Version() {
			snap := l.snapshot(true)
			replay.Snapshot = &snap
			return nil
		}
		records, err := l.engine.Since(lastKnownVersion)
		if errors.Is(err, document.ErrHistoryUnavailable) {
			snap := l.snapshot(true)
			replay.Snapshot = &snap
			return nil
		}
		if err != nil {
			return err
		}
		replay.Records = records
		return nil
	})
	if err == nil {
		glog.Infof("relaydoc: session %s reconnected to %s at %d, replaying %d records", sessionID, l.id, lastKnownVersion, len(replay.Records))
	}
	return replay, err
}

// Disconnect marks a session disconnected and keeps its record until the
// reconnect grace period runs out.
func (b *Broker) Disconnect(ctx context.Context, sessionID string) error {
	l, err := b.sessionLane(sessionID)
	if err != nil {
		return err
	}
	return l.do(ctx, func() error {
		s, ok := l.sessions[sessionID]
		if !ok {
			return sessionNotFound(sessionID)
		}
		if !s.disconnectedAt.IsZero() {
			return nil
		}
		s.disconnectedAt = b.opts.Now()
		delta, err := l.presence.Leave(sessionID)
		if err != nil {
			return err
		}
		l.unsubscribeSession(sessionID)
		l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: []presence.Delta{delta}, Origin: sessionID})
		glog.Infof("relaydoc: session %s left %s", sessionID, l.id)
		return nil
	})
}

// Subscribe opens the change feed of a document. With a session ID the feed
// skips changes that session originated, and a newer subscription for the
// same session replaces the older one. The channel is closed when the
// subscription is cancelled, replaced, or dropped for falling behind.
func (b *Broker) Subscribe(ctx context.Context, documentID, sessionID string) (*Subscription, error) {
	var l *lane
	var err error
	if sessionID != "" {
		l, err = b.sessionLane(sessionID)
		if err == nil && documentID != "" && l.id != documentID {
			return nil, fmt.Errorf("%w: session %s belongs to another document", ErrInvalidInput, sessionID)
		}
	} else {
		l, err = b.openLane(ctx, documentID, false)
	}
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	var sub *subscriber
	err = l.do(ctx, func() error {
		if sessionID != "" {
			if _, err := l.liveSession(sessionID); err != nil {
				return err
			}
		}
		sub = l.subscribe(id, sessionID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return &Subscription{
		C: sub.ch,
		cancel: func() {
			once.Do(func() {
				_ = l.do(context.Background(), func() error {
					l.unsubscribe(id)
					return nil
				})
			})
		},
	}, nil
}

func (b *Broker) CreateDocument(ctx context.Context, req CreateDocumentRequest) (DocumentSnapshot, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	exists, err := b.documentExists(id)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	if exists {
		return DocumentSnapshot{}, fmt.Errorf("%w: %s", ErrDocumentExists, id)
	}
	l, created, err := b.installLane(b.newEmptyLane(id, req.Title))
	if err != nil {
		return DocumentSnapshot{}, err
	}
	if !created {
		return DocumentSnapshot{}, fmt.Errorf("%w: %s", ErrDocumentExists, id)
	}
	var snap DocumentSnapshot
	err = l.do(ctx, func() error {
		if err := b.seedContent(l, req.Content); err != nil {
			return err
		}
		full := l.snapshot(true)
		b.enqueueSink(SinkTask{DocumentID: id, Kind: SinkSnapshot, Snapshot: &full})
		snap = l.snapshot(false)
		return nil
	})
	if err == nil {
		glog.Infof("relaydoc: created document %s", id)
	}
	return snap, err
}

func (b *Broker) GetDocument(ctx context.Context, documentID string, withState bool) (DocumentSnapshot, error) {
	l, err := b.openLane(ctx, documentID, false)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	var snap DocumentSnapshot
	err = l.do(ctx, func() error {
		snap = l.snapshot(withState)
		return nil
	})
	return snap, err
}

func (b *Broker) RenameDocument(ctx context.Context, documentID, title string) (DocumentSnapshot, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return DocumentSnapshot{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	l, err := b.openLane(ctx, documentID, false)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	var snap DocumentSnapshot
	err = l.do(ctx, func() error {
		l.title = title
		l.updatedAt = b.opts.Now()
		full := l.snapshot(true)
		b.enqueueSink(SinkTask{DocumentID: l.id, Kind: SinkSnapshot, Snapshot: &full})
		snap = l.snapshot(false)
		l.broadcast(Change{Type: ChangeSnapshot, Version: snap.Version, Snapshot: &snap})
		return nil
	})
	return snap, err
}

// ListDocuments merges open documents with the ones the persistence backend
// knows about.
func (b *Broker) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	b.mu.RLock()
	open := make([]*lane, 0, len(b.lanes))
	for _, l := range b.lanes {
		open = append(open, l)
	}
	b.mu.RUnlock()

	byID := map[string]DocumentInfo{}
	for _, l := range open {
		err := l.do(ctx, func() error {
			byID[l.id] = DocumentInfo{
				ID:        l.id,
				Title:     l.title,
				Version:   l.engine.Version(),
				Sessions:  len(l.sessions),
				CreatedAt: l.createdAt,
				UpdatedAt: l.updatedAt,
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			return nil, err
		}
	}
	if b.persistence != nil {
		ids, err := b.persistence.ListDocuments()
		if err != nil {
			glog.Warningf("relaydoc: listing persisted documents failed: %v", err)
		}
		for _, id := range ids {
			if _, ok := byID[id]; ok {
				continue
			}
			info := DocumentInfo{ID: id, Title: defaultDocumentTitle}
			if snap, err := b.persistence.LoadSnapshot(id); err == nil && snap != nil {
				info.Title = snap.Title
				info.Version = snap.Version
				info.CreatedAt = snap.CreatedAt
				info.UpdatedAt = snap.UpdatedAt
			}
			byID[id] = info
		}
	}
	out := make([]DocumentInfo, 0, len(byID))
	for _, info := range byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Broker) Sessions(ctx context.Context, documentID string) ([]Session, error) {
	l, err := b.openLane(ctx, documentID, false)
	if err != nil {
		return nil, err
	}
	var out []Session
	err = l.do(ctx, func() error {
		out = l.sortedSessions()
		return nil
	})
	return out, err
}

func (b *Broker) Stats(ctx context.Context, documentID string) (DocumentStats, error) {
	l, err := b.openLane(ctx, documentID, false)
	if err != nil {
		return DocumentStats{}, err
	}
	var stats DocumentStats
	err = l.do(ctx, func() error {
		stats = l.stats()
		return nil
	})
	return stats, err
}

// Ops pages through a document's oplog starting after version since.
func (b *Broker) Ops(ctx context.Context, documentID string, since uint64, limit int) (OpsPage, error) {
	l, err := b.openLane(ctx, documentID, false)
	if err != nil {
		return OpsPage{}, err
	}
	var page OpsPage
	err = l.do(ctx, func() error {
		records, next, err := l.engine.Page(since, limit)
		if err != nil {
			return err
		}
		page = OpsPage{Records: records, Version: l.engine.Version(), NextCursor: next}
		return nil
	})
	return page, err
}

func (b *Broker) BackendStatus() BackendStatus {
	b.mu.RLock()
	documents := len(b.lanes)
	b.mu.RUnlock()

	status := BackendStatus{
		BackendProfile: b.opts.BackendProfile,
		Persistence:    "none",
		SinkQueue:      "none",
		SinkFailures:   b.sinkFails.Load(),
		Durability:     "memory",
		Documents:      documents,
	}
	if b.persistence != nil {
		status.Persistence = fmt.Sprintf("%T", b.persistence)
		status.Durability = "durable"
		if status.SinkFailures > 0 {
			status.Durability = "degraded"
		}
	}
	if b.sinkQueue != nil {
		status.SinkQueue = fmt.Sprintf("%T", b.sinkQueue)
		status.SinkQueueDepth = b.sinkQueue.Depth()
		status.SinkQueueCap = b.sinkQueue.Capacity()
	}
	return status
}

func (b *Broker) newLimiter() *rate.Limiter {
	if b.opts.SubmitRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(b.opts.SubmitRate), b.opts.SubmitBurst)
}

func (b *Broker) sessionLane(sessionID string) (*lane, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	b.sessionsMu.Lock()
	documentID, ok := b.sessions[sessionID]
	b.sessionsMu.Unlock()
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	b.mu.RLock()
	l, ok := b.lanes[documentID]
	b.mu.RUnlock()
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	return l, nil
}

func (b *Broker) forgetSessions(ids ...string) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	for _, id := range ids {
		delete(b.sessions, id)
	}
}

func sessionNotFound(sessionID string) error {
	return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

func sessionDisconnected(sessionID string) error {
	return fmt.Errorf("%w: %s is disconnected; reconnect", ErrSessionNotFound, sessionID)
}
