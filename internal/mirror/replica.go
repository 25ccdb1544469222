package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydoc/internal/document"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

const (
	replicaReadLimit     = 64 << 20
	maxOperationsPerEdit = 1024
)

var ErrReplicaClosed = errors.New("replica closed")

type Logger interface {
	Printf(format string, args ...any)
}

type ReplicaOptions struct {
	BaseURL    string
	DocumentID string
	UserID     string
	Name       string
	HTTPClient *http.Client
	Logger     Logger
	// ReconnectDelay and MaxReconnectDelay bound the backoff between resume
	// attempts after the socket drops.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// HeartbeatInterval keeps the session alive while the user is idle. A
	// negative value disables heartbeats.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// Replica is a client-side copy of one document. It keeps its own
// convergence engine, applies local edits immediately, and ships them to
// the server as stamped operations. Remote records are merged as they
// arrive; duplicates are ignored by the engine.
type Replica struct {
	opts   ReplicaOptions
	client *Client

	mu      sync.Mutex
	conn    *websocket.Conn
	session relaydoc.Session
	engine  *document.Engine
	title   string
	// version is the highest server version below which every record has
	// been merged. It is what a resume asks the server to replay after.
	version uint64
	ahead   map[uint64]struct{}
	// unacked holds local operations the server has not yet returned in an
	// ack or a change. They are resent after a resume.
	unacked []document.Operation
	peers   map[string]presence.Delta
	closed  bool

	updates chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Dial joins the document as a new session and starts the replica's
// background reader.
func Dial(ctx context.Context, opts ReplicaOptions) (*Replica, error) {
	opts.DocumentID = strings.TrimSpace(opts.DocumentID)
	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.DocumentID == "" {
		return nil, fmt.Errorf("%w: document id is required", relaydoc.ErrInvalidInput)
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", relaydoc.ErrInvalidInput)
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 250 * time.Millisecond
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 10 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Replica{
		opts:    opts,
		client:  NewClient(opts.BaseURL, opts.HTTPClient),
		ahead:   map[uint64]struct{}{},
		peers:   map[string]presence.Delta{},
		updates: make(chan struct{}, 1),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if err := r.join(ctx); err != nil {
		cancel()
		return nil, err
	}
	go r.run()
	if opts.HeartbeatInterval > 0 {
		go r.heartbeat(opts.HeartbeatInterval)
	}
	return r, nil
}

func (r *Replica) Session() relaydoc.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Text()
}

func (r *Replica) Title() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.title
}

// Version is the server version the replica has fully caught up to.
func (r *Replica) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Unacked reports how many local operations are still waiting for the
// server.
func (r *Replica) Unacked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unacked)
}

// Peers returns the last presence seen for every other session, ordered by
// session id.
func (r *Replica) Peers() []presence.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]presence.Delta, 0, len(r.peers))
	for _, d := range r.peers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Updates signals after the text changed. Signals coalesce; read Text to
// get the current content.
func (r *Replica) Updates() <-chan struct{} {
	return r.updates
}

// Insert places text at a visible offset. The edit is applied locally first
// and queued for the server; a dropped connection only delays delivery.
func (r *Replica) Insert(ctx context.Context, offset int, text string) error {
	if text == "" {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrReplicaClosed
	}
	target, err := r.engine.ResolveOffset(offset)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	ops := make([]document.Operation, 0, len(text))
	for _, ch := range text {
		op := r.engine.Stamp(r.session.Site, document.Operation{
			Kind:   document.KindInsert,
			Target: target,
			Value:  string(ch),
			Author: r.session.UserID,
		})
		if _, err := r.engine.Apply(op); err != nil {
			r.mu.Unlock()
			return err
		}
		ops = append(ops, op)
		target = op.ID
	}
	r.unacked = append(r.unacked, ops...)
	r.mu.Unlock()

	r.notify()
	return r.sendOperations(ctx, ops)
}

// Delete removes length characters starting at a visible offset.
func (r *Replica) Delete(ctx context.Context, offset, length int) error {
	if length <= 0 {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrReplicaClosed
	}
	targets := make([]document.CharID, 0, length)
	for i := 0; i < length; i++ {
		id, err := r.engine.CharAt(offset + i)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		targets = append(targets, id)
	}
	ops := make([]document.Operation, 0, length)
	for _, target := range targets {
		op := r.engine.Stamp(r.session.Site, document.Operation{
			Kind:   document.KindDelete,
			Target: target,
			Author: r.session.UserID,
		})
		if _, err := r.engine.Apply(op); err != nil {
			r.mu.Unlock()
			return err
		}
		ops = append(ops, op)
	}
	r.unacked = append(r.unacked, ops...)
	r.mu.Unlock()

	r.notify()
	return r.sendOperations(ctx, ops)
}

// MoveCursor publishes the local cursor. The offset is anchored to the
// character before it so the server can follow concurrent edits.
func (r *Replica) MoveCursor(ctx context.Context, offset int) error {
	r.mu.Lock()
	anchor, err := r.engine.ResolveOffset(offset)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	pos := document.AtAnchor(anchor)
	return r.send(ctx, httpapi.ClientMessage{Type: httpapi.MessageCursor, RequestID: uuid.NewString(), Position: &pos})
}

// Close leaves the session and stops the background reader.
func (r *Replica) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		_ = writeMessage(ctx, conn, httpapi.ClientMessage{Type: httpapi.MessageLeave})
		cancel()
	}
	r.cancel()
	<-r.done
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "replica closed")
	}
	return nil
}

// join opens a fresh session and rebuilds the replica from the welcome
// snapshot. Unacknowledged operations from an earlier session are dropped:
// they were stamped with a site the new session does not own.
func (r *Replica) join(ctx context.Context) error {
	q := url.Values{}
	q.Set("userId", r.opts.UserID)
	if r.opts.Name != "" {
		q.Set("name", r.opts.Name)
	}
	conn, frame, err := r.dial(ctx, q)
	if err != nil {
		return err
	}
	if frame.Type != httpapi.FrameWelcome || frame.Session == nil || frame.Snapshot == nil {
		_ = conn.Close(websocket.StatusProtocolError, "expected welcome")
		return fmt.Errorf("mirror: expected welcome frame, got %q", frame.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rebuild(*frame.Snapshot); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "bad snapshot")
		return err
	}
	if len(r.unacked) > 0 {
		r.logf("mirror: dropping %d unacknowledged operations from session %s", len(r.unacked), r.session.ID)
		r.unacked = nil
	}
	r.session = *frame.Session
	r.peers = map[string]presence.Delta{}
	r.conn = conn
	return nil
}

// resume reattaches the existing session and merges what it missed. When
// the server no longer knows the session the replica joins again.
func (r *Replica) resume(ctx context.Context) error {
	r.mu.Lock()
	q := url.Values{}
	q.Set("sessionId", r.session.ID)
	q.Set("lastKnownVersion", strconv.FormatUint(r.version, 10))
	r.mu.Unlock()

	conn, frame, err := r.dial(ctx, q)
	if IsNotFound(err) {
		r.logf("mirror: session expired, joining %s again", r.opts.DocumentID)
		if err := r.join(ctx); err != nil {
			return err
		}
		r.notify()
		return nil
	}
	if err != nil {
		return err
	}
	if frame.Type != httpapi.FrameReplay || frame.Replay == nil {
		_ = conn.Close(websocket.StatusProtocolError, "expected replay")
		return fmt.Errorf("mirror: expected replay frame, got %q", frame.Type)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	if err := r.applyReplay(*frame.Replay); err != nil {
		return err
	}
	return r.resendUnacked(ctx)
}

func (r *Replica) dial(ctx context.Context, q url.Values) (*websocket.Conn, httpapi.ServerFrame, error) {
	endpoint := socketURL(r.client.BaseURL(), r.opts.DocumentID, q)
	header := http.Header{}
	header.Set("X-Correlation-Id", correlationID())
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: r.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			var payload []byte
			if resp.Body != nil {
				payload, _ = io.ReadAll(resp.Body)
			}
			return nil, httpapi.ServerFrame{}, decodeHTTPError(resp.StatusCode, payload)
		}
		return nil, httpapi.ServerFrame{}, err
	}
	conn.SetReadLimit(replicaReadLimit)
	frame, err := readFrame(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "read failed")
		return nil, httpapi.ServerFrame{}, err
	}
	return conn, frame, nil
}

// run reads frames until the replica is closed, resuming the session
// whenever the connection drops.
func (r *Replica) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()

		err := r.readLoop(conn)
		if r.stopped() {
			return
		}
		r.logf("mirror: connection to %s lost: %v", r.opts.DocumentID, err)
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()

		for attempt := 1; ; attempt++ {
			if err := waitWithContext(r.ctx, backoff(r.opts.ReconnectDelay, r.opts.MaxReconnectDelay, attempt, "")); err != nil {
				return
			}
			err := r.resume(r.ctx)
			if err == nil {
				r.logf("mirror: resumed %s at version %d", r.opts.DocumentID, r.Version())
				break
			}
			if r.stopped() {
				return
			}
			r.logf("mirror: resume attempt %d failed: %v", attempt, err)
		}
	}
}

func (r *Replica) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed || r.ctx.Err() != nil
}

func (r *Replica) readLoop(conn *websocket.Conn) error {
	for {
		frame, err := readFrame(r.ctx, conn)
		if err != nil {
			return err
		}
		r.handleFrame(frame)
	}
}

func (r *Replica) handleFrame(frame httpapi.ServerFrame) {
	switch frame.Type {
	case httpapi.FrameAck:
		if frame.Ack != nil {
			r.merge(frame.Ack.Records)
		}
	case httpapi.FrameChange:
		if frame.Change == nil {
			return
		}
		r.merge(frame.Change.Records)
		if frame.Change.Snapshot != nil {
			r.mu.Lock()
			r.title = frame.Change.Snapshot.Title
			r.mu.Unlock()
		}
		r.trackPresence(frame.Change.Presence)
	case httpapi.FramePresence:
		r.trackPresence(frame.Presence)
	case httpapi.FrameReplay:
		if frame.Replay != nil {
			if err := r.applyReplay(*frame.Replay); err != nil {
				r.logf("mirror: replay failed: %v", err)
			}
		}
	case httpapi.FrameError:
		r.handleError(frame.Error)
	}
}

func (r *Replica) handleError(frameErr *httpapi.ErrorFrame) {
	if frameErr == nil {
		return
	}
	r.logf("mirror: server error %s: %s", frameErr.Code, frameErr.Message)
	if frameErr.Resync {
		if err := r.Resync(r.ctx); err != nil {
			r.logf("mirror: resync failed: %v", err)
		}
		return
	}
	if frameErr.OpID != nil {
		r.mu.Lock()
		r.dropUnacked(*frameErr.OpID)
		r.mu.Unlock()
	}
}

// Resync discards local state and rebuilds the replica from the server's
// current snapshot.
func (r *Replica) Resync(ctx context.Context) error {
	snap, err := r.client.GetDocument(ctx, r.opts.DocumentID, true)
	if err != nil {
		return err
	}
	r.mu.Lock()
	dropped := len(r.unacked)
	r.unacked = nil
	err = r.rebuild(snap)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if dropped > 0 {
		r.logf("mirror: resync dropped %d unacknowledged operations", dropped)
	}
	r.notify()
	return nil
}

// merge integrates server records and advances the caught-up version.
func (r *Replica) merge(records []document.Record) {
	if len(records) == 0 {
		return
	}
	r.mu.Lock()
	changed := false
	for _, rec := range records {
		result, err := r.engine.Apply(rec.Operation)
		if err != nil {
			r.logf("mirror: apply %s at version %d: %v", rec.Operation.ID, rec.Version, err)
			continue
		}
		if result.Status == document.StatusApplied {
			changed = true
		}
		r.dropUnacked(rec.Operation.ID)
		r.markVersion(rec.Version)
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

func (r *Replica) applyReplay(replay relaydoc.Replay) error {
	r.mu.Lock()
	r.session = replay.Session
	if replay.Snapshot != nil {
		if err := r.rebuild(*replay.Snapshot); err != nil {
			r.mu.Unlock()
			return err
		}
		r.reapplyUnacked()
	}
	r.mu.Unlock()
	r.merge(replay.Records)
	r.notify()
	return nil
}

// rebuild replaces the engine with one loaded from snap. Callers hold mu.
func (r *Replica) rebuild(snap relaydoc.DocumentSnapshot) error {
	if snap.State == nil {
		return fmt.Errorf("%w: snapshot for %s carries no engine state", document.ErrCorrupted, snap.ID)
	}
	engine := document.NewEngine(document.EngineOptions{})
	if err := engine.Load(snap.State, nil); err != nil {
		return err
	}
	r.engine = engine
	r.title = snap.Title
	r.version = snap.Version
	r.ahead = map[uint64]struct{}{}
	return nil
}

// reapplyUnacked puts local edits back on top of a freshly loaded
// snapshot. Operations the snapshot already contains come back as
// duplicates and are no longer waiting. Callers hold mu.
func (r *Replica) reapplyUnacked() {
	kept := r.unacked[:0]
	for _, op := range r.unacked {
		result, err := r.engine.Apply(op)
		if err != nil {
			r.logf("mirror: dropping local operation %s: %v", op.ID, err)
			continue
		}
		if result.Status == document.StatusDuplicate {
			continue
		}
		kept = append(kept, op)
	}
	r.unacked = kept
}

func (r *Replica) resendUnacked(ctx context.Context) error {
	r.mu.Lock()
	ops := append([]document.Operation(nil), r.unacked...)
	r.mu.Unlock()
	return r.sendOperations(ctx, ops)
}

func (r *Replica) sendOperations(ctx context.Context, ops []document.Operation) error {
	for start := 0; start < len(ops); start += maxOperationsPerEdit {
		end := start + maxOperationsPerEdit
		if end > len(ops) {
			end = len(ops)
		}
		msg := httpapi.ClientMessage{
			Type:      httpapi.MessageEdit,
			RequestID: uuid.NewString(),
			Intent:    &relaydoc.Intent{Kind: relaydoc.IntentOperations, Operations: ops[start:end]},
		}
		if err := r.send(ctx, msg); err != nil {
			if errors.Is(err, errOffline) {
				r.logf("mirror: offline, %d operations queued", len(ops)-start)
				return nil
			}
			return err
		}
	}
	return nil
}

var errOffline = errors.New("mirror: not connected")

func (r *Replica) send(ctx context.Context, msg httpapi.ClientMessage) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errOffline
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()
	if err := writeMessage(ctx, conn, msg); err != nil {
		if ctx.Err() == nil {
			return errOffline
		}
		return err
	}
	return nil
}

func (r *Replica) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.send(r.ctx, httpapi.ClientMessage{Type: httpapi.MessageHeartbeat}); err != nil && !errors.Is(err, errOffline) && r.ctx.Err() == nil {
				r.logf("mirror: heartbeat failed: %v", err)
			}
		}
	}
}

// markVersion records that a server version has been merged and advances
// the contiguous high-water mark. Callers hold mu.
func (r *Replica) markVersion(version uint64) {
	if version <= r.version {
		return
	}
	r.ahead[version] = struct{}{}
	for {
		if _, ok := r.ahead[r.version+1]; !ok {
			return
		}
		delete(r.ahead, r.version+1)
		r.version++
	}
}

// dropUnacked forgets a local operation once the server has ruled on it.
// Callers hold mu.
func (r *Replica) dropUnacked(id document.CharID) {
	for i, op := range r.unacked {
		if op.ID == id {
			r.unacked = append(r.unacked[:i], r.unacked[i+1:]...)
			return
		}
	}
}

func (r *Replica) trackPresence(deltas []presence.Delta) {
	if len(deltas) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range deltas {
		if d.SessionID == r.session.ID {
			continue
		}
		if d.Kind == presence.DeltaLeave {
			delete(r.peers, d.SessionID)
			continue
		}
		r.peers[d.SessionID] = d
	}
}

func (r *Replica) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

func (r *Replica) logf(format string, args ...any) {
	if r.opts.Logger == nil {
		return
	}
	r.opts.Logger.Printf(format, args...)
}

func socketURL(baseURL, documentID string, q url.Values) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL + documentPath(documentID) + "/ws?" + q.Encode()
}

func readFrame(ctx context.Context, conn *websocket.Conn) (httpapi.ServerFrame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return httpapi.ServerFrame{}, err
	}
	var frame httpapi.ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return httpapi.ServerFrame{}, fmt.Errorf("mirror: decode frame: %w", err)
	}
	return frame, nil
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg httpapi.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
