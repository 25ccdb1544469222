package document

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	defaultMaxPendingAttempts = 64
	defaultPendingTimeout     = 30 * time.Second
)

type EngineOptions struct {
	// MaxPendingAttempts bounds how many drain passes an operation may stay
	// buffered through before it is expired.
	MaxPendingAttempts int
	PendingTimeout     time.Duration
	Now                func() time.Time
}

type Status string

const (
	StatusApplied   Status = "applied"
	StatusPending   Status = "pending"
	StatusDuplicate Status = "duplicate"
)

type ApplyResult struct {
	Status Status
	// Version is the version the operation was accepted at, or the current
	// document version while it is pending.
	Version uint64
	// Applied lists every record accepted by this call in order: the
	// operation itself followed by any buffered operations it unblocked.
	Applied  []Record
	Expired  []*PendingTimeoutError
	Rejected []*UnknownTargetError
}

type pendingOp struct {
	op       Operation
	attempts int
	since    time.Time
}

// State is a point-in-time copy of an engine, sufficient to rebuild it
// without replaying the oplog.
type State struct {
	Version uint64        `json:"version"`
	Lamport uint64        `json:"lamport"`
	Applied VersionVector `json:"applied"`
	Nodes   []NodeState   `json:"nodes"`
}

// Engine is the convergence engine for one replica of one document. It owns
// the character sequence, the causality tracker, the oplog, and the pending
// buffer. It is not safe for concurrent use.
type Engine struct {
	opts    EngineOptions
	seq     *sequence
	tracker *Tracker
	log     *Oplog
	pending map[CharID]*pendingOp
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.MaxPendingAttempts <= 0 {
		opts.MaxPendingAttempts = defaultMaxPendingAttempts
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = defaultPendingTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	tracker := NewTracker()
	tracker.now = opts.Now
	return &Engine{
		opts:    opts,
		seq:     newSequence(),
		tracker: tracker,
		log:     NewOplog(),
		pending: map[CharID]*pendingOp{},
	}
}

// Stamp turns a locally originated raw operation into a stamped one for site.
// The result still has to go through Apply.
func (e *Engine) Stamp(site string, raw Operation) Operation {
	return e.tracker.Stamp(site, raw)
}

func (e *Engine) Apply(op Operation) (ApplyResult, error) {
	if err := op.Validate(); err != nil {
		return ApplyResult{}, err
	}
	if e.tracker.Seen(op) {
		version := e.log.Version()
		if rec, ok := e.log.Get(op.ID); ok {
			version = rec.Version
		}
		return ApplyResult{Status: StatusDuplicate, Version: version}, nil
	}
	if _, ok := e.pending[op.ID]; ok {
		return ApplyResult{Status: StatusPending, Version: e.log.Version()}, nil
	}
	if !e.tracker.IsDeliverable(op) {
		e.pending[op.ID] = &pendingOp{op: op, since: e.opts.Now()}
		return ApplyResult{Status: StatusPending, Version: e.log.Version()}, nil
	}

	rec, err := e.integrate(op)
	if err != nil {
		return ApplyResult{}, err
	}
	result := ApplyResult{Status: StatusApplied, Version: rec.Version, Applied: []Record{rec}}
	e.drain(&result)
	return result, nil
}

// integrate checks the target before touching any state so a rejected
// operation leaves the engine unchanged.
func (e *Engine) integrate(op Operation) (Record, error) {
	switch op.Kind {
	case KindInsert:
		if !e.seq.has(op.Target) {
			return Record{}, &UnknownTargetError{OpID: op.ID, Target: op.Target}
		}
		if err := e.seq.insert(op.ID, op.Target, op.Value, op.Clock); err != nil {
			return Record{}, err
		}
	case KindDelete:
		if err := e.seq.remove(op.ID, op.Target); err != nil {
			return Record{}, err
		}
	}
	version, err := e.log.Append(op)
	if err != nil && !errors.Is(err, ErrDuplicateOperation) {
		return Record{}, err
	}
	e.tracker.OnApplied(op)
	return Record{Version: version, Operation: op}, nil
}

func (e *Engine) drain(result *ApplyResult) {
	for {
		next := e.nextDeliverable()
		if next == nil {
			break
		}
		delete(e.pending, next.op.ID)
		rec, err := e.integrate(next.op)
		if err != nil {
			var unknown *UnknownTargetError
			if errors.As(err, &unknown) {
				result.Rejected = append(result.Rejected, unknown)
			}
			continue
		}
		result.Applied = append(result.Applied, rec)
	}
	now := e.opts.Now()
	for _, p := range e.pending {
		p.attempts++
	}
	result.Expired = append(result.Expired, e.expire(now)...)
}

func (e *Engine) nextDeliverable() *pendingOp {
	var best *pendingOp
	for _, p := range e.pending {
		if !e.tracker.IsDeliverable(p.op) {
			continue
		}
		if best == nil || causallyBefore(p.op, best.op) {
			best = p
		}
	}
	return best
}

func causallyBefore(a, b Operation) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	if a.ID.Site != b.ID.Site {
		return a.ID.Site < b.ID.Site
	}
	return a.ID.Seq < b.ID.Seq
}

// ExpirePending drops buffered operations that exhausted their retry budget
// or waited longer than the pending timeout.
func (e *Engine) ExpirePending(now time.Time) []*PendingTimeoutError {
	return e.expire(now)
}

func (e *Engine) expire(now time.Time) []*PendingTimeoutError {
	var expired []*PendingTimeoutError
	for id, p := range e.pending {
		if p.attempts > e.opts.MaxPendingAttempts || now.Sub(p.since) > e.opts.PendingTimeout {
			expired = append(expired, &PendingTimeoutError{OpID: id, Attempts: p.attempts})
			delete(e.pending, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].OpID.Site != expired[j].OpID.Site {
			return expired[i].OpID.Site < expired[j].OpID.Site
		}
		return expired[i].OpID.Seq < expired[j].OpID.Seq
	})
	return expired
}

func (e *Engine) Pending() []Operation {
	out := make([]Operation, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p.op)
	}
	sort.Slice(out, func(i, j int) bool { return causallyBefore(out[i], out[j]) })
	return out
}

func (e *Engine) Version() uint64 {
	return e.log.Version()
}

func (e *Engine) Since(version uint64) ([]Record, error) {
	return e.log.Since(version)
}

func (e *Engine) Page(version uint64, limit int) ([]Record, uint64, error) {
	return e.log.Page(version, limit)
}

func (e *Engine) Applied() VersionVector {
	return e.tracker.Applied()
}

func (e *Engine) Text() string {
	return e.seq.text()
}

func (e *Engine) Len() int {
	return e.seq.length()
}

// Contains reports whether id names a character this replica has integrated,
// live or tombstoned.
func (e *Engine) Contains(id CharID) bool {
	return e.seq.has(id)
}

// ResolveOffset returns the character an insert at the given visible offset
// should be placed after.
func (e *Engine) ResolveOffset(offset int) (CharID, error) {
	if offset < 0 || offset > e.seq.length() {
		return CharID{}, fmt.Errorf("%w: offset %d outside document of length %d", ErrInvalidOperation, offset, e.seq.length())
	}
	if offset == 0 {
		return Head, nil
	}
	n, _ := e.seq.live(offset - 1)
	return n.id, nil
}

// CharAt returns the live character at the given visible offset.
func (e *Engine) CharAt(offset int) (CharID, error) {
	n, ok := e.seq.live(offset)
	if !ok {
		return CharID{}, fmt.Errorf("%w: no character at offset %d", ErrInvalidOperation, offset)
	}
	return n.id, nil
}

// OffsetOf projects a character anchor onto a visible offset: the number of
// live characters at or before it. Tombstoned anchors fall back to their
// nearest live predecessor.
func (e *Engine) OffsetOf(id CharID) (int, error) {
	offset, ok := e.seq.offsetOf(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTargetReference, id)
	}
	return offset, nil
}

func (e *Engine) Snapshot() State {
	return State{
		Version: e.log.Version(),
		Lamport: e.tracker.Lamport(),
		Applied: e.tracker.Applied(),
		Nodes:   e.seq.export(),
	}
}

// Load rebuilds an empty engine from an optional snapshot and a changelog.
// Records at or below the snapshot version are kept as replay history when
// they reach back to version 1; later records are re-applied in order.
func (e *Engine) Load(state *State, records []Record) error {
	if e.log.Version() != 0 || len(e.pending) != 0 {
		return fmt.Errorf("%w: load into a non-empty engine", ErrInvalidOperation)
	}
	if state != nil {
		seq, err := importSequence(state.Nodes)
		if err != nil {
			return err
		}
		e.seq = seq
		e.tracker.restore(state.Applied, state.Lamport)
		e.log.reset(state.Version)
	}
	var history []Record
	for _, r := range records {
		if r.Version <= e.log.Version() {
			history = append(history, r)
			continue
		}
		if r.Version != e.log.Version()+1 {
			return fmt.Errorf("%w: changelog gap before version %d", ErrCorrupted, r.Version)
		}
		result, err := e.Apply(r.Operation)
		if err != nil {
			return fmt.Errorf("%w: replay version %d: %v", ErrCorrupted, r.Version, err)
		}
		if result.Status != StatusApplied || result.Version != r.Version {
			return fmt.Errorf("%w: replay version %d landed as %s at %d", ErrCorrupted, r.Version, result.Status, result.Version)
		}
	}
	if len(history) > 0 && history[0].Version == 1 && history[len(history)-1].Version == e.log.Base() {
		if err := e.log.Backfill(history); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
	}
	return e.Verify()
}

// Verify checks the structural integrity of the character tree. A non-nil
// result wraps ErrCorrupted and the instance should be discarded.
func (e *Engine) Verify() error {
	if err := e.seq.verify(); err != nil {
		return err
	}
	var accepted uint64
	for _, seq := range e.tracker.applied {
		accepted += seq
	}
	if accepted != e.log.Version() {
		return fmt.Errorf("%w: version vector covers %d operations, oplog is at %d", ErrCorrupted, accepted, e.log.Version())
	}
	return nil
}
