package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydoc/internal/document"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

// socketSession pumps one websocket connection. The handler goroutine reads
// client messages and calls the broker; a second goroutine forwards the
// document's change feed.
type socketSession struct {
	server        *Server
	conn          *websocket.Conn
	documentID    string
	sessionID     string
	correlationID string

	mu  sync.Mutex
	sub *relaydoc.Subscription
	// sent is the highest record version already delivered through a
	// welcome, replay, or change frame. Older records from the feed are
	// skipped.
	sent uint64
}

// handleSocket joins (or, with sessionId, resumes) a session and upgrades
// the request. Broker errors before the upgrade are plain HTTP errors.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	ctx := r.Context()
	query := r.URL.Query()
	resumeID := strings.TrimSpace(query.Get("sessionId"))
	userID := strings.TrimSpace(query.Get("userId"))
	if resumeID == "" && userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "userId or sessionId query is required", correlationID)
		return
	}

	sess := &socketSession{server: s, documentID: documentID, correlationID: correlationID}
	var first ServerFrame
	if resumeID != "" {
		lastKnown, err := parseOptionalUint(query.Get("lastKnownVersion"), 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid lastKnownVersion", correlationID)
			return
		}
		// Claim the session before reviving it so the socket being replaced
		// does not disconnect it on its way out.
		prev := s.attach(resumeID, sess)
		replay, err := s.broker.Reconnect(ctx, resumeID, lastKnown)
		if err == nil && replay.Session.DocumentID != documentID {
			err = fmt.Errorf("%w: session belongs to another document", relaydoc.ErrInvalidInput)
		}
		if err != nil {
			s.restore(resumeID, sess, prev)
			writeBrokerError(w, err, correlationID)
			return
		}
		sess.sessionID = replay.Session.ID
		sess.sent = replay.Version
		first = ServerFrame{Type: FrameReplay, Replay: &replay}
	} else {
		session, snap, err := s.broker.Connect(ctx, documentID, userID, strings.TrimSpace(query.Get("name")))
		if err != nil {
			writeBrokerError(w, err, correlationID)
			return
		}
		s.attach(session.ID, sess)
		sess.sessionID = session.ID
		sess.sent = snap.Version
		first = ServerFrame{Type: FrameWelcome, Session: &session, Snapshot: &snap}
	}

	sub, err := s.broker.Subscribe(ctx, documentID, sess.sessionID)
	if err != nil {
		sess.release()
		writeBrokerError(w, err, correlationID)
		return
	}
	sess.sub = sub
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		sub.Cancel()
		sess.release()
		glog.Warningf("httpapi: websocket upgrade for %s failed: %v", documentID, err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	sess.conn = conn
	sess.run(ctx, first)
}

func (ss *socketSession) run(ctx context.Context, first ServerFrame) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	glog.V(1).Infof("httpapi: session %s attached to %s", ss.sessionID, ss.documentID)

	if err := ss.write(ctx, first); err != nil {
		ss.finish(websocket.StatusInternalError, "write failed")
		return
	}
	if err := ss.catchUp(ctx); err != nil {
		ss.writeError(ctx, "", err)
	}

	done := make(chan websocket.StatusCode, 1)
	go func() {
		done <- ss.forward(ctx)
	}()

	status, reason := ss.readLoop(ctx)
	cancel()
	if forwarded := <-done; forwarded != 0 {
		status, reason = forwarded, "subscription dropped; reconnect with lastKnownVersion"
	}
	ss.finish(status, reason)
}

// readLoop handles client messages until the connection ends. A bad
// message only produces an error frame for this socket.
func (ss *socketSession) readLoop(ctx context.Context) (websocket.StatusCode, string) {
	for {
		_, data, err := ss.conn.Read(ctx)
		if err != nil {
			if code := websocket.CloseStatus(err); code != -1 {
				return websocket.StatusNormalClosure, ""
			}
			if ctx.Err() != nil {
				return websocket.StatusNormalClosure, ""
			}
			return websocket.StatusPolicyViolation, "read failed"
		}
		msg, err := ss.server.messages.Decode(data)
		if err != nil {
			ss.writeError(ctx, "", err)
			continue
		}
		if msg.Type == MessageLeave {
			return websocket.StatusNormalClosure, "left"
		}
		if err := ss.handle(ctx, msg); err != nil {
			if errors.Is(err, relaydoc.ErrSessionNotFound) || errors.Is(err, relaydoc.ErrClosed) {
				ss.writeError(ctx, msg.RequestID, err)
				return websocket.StatusGoingAway, "session ended"
			}
			ss.writeError(ctx, msg.RequestID, err)
		}
	}
}

func (ss *socketSession) handle(ctx context.Context, msg ClientMessage) error {
	broker := ss.server.broker
	switch msg.Type {
	case MessageEdit:
		ack, err := broker.Submit(ctx, ss.sessionID, *msg.Intent)
		if err != nil {
			return err
		}
		if err := ss.write(ctx, ServerFrame{Type: FrameAck, RequestID: msg.RequestID, Ack: &ack}); err != nil {
			return err
		}
		for _, failure := range ack.Failures {
			ss.writeFailure(ctx, msg.RequestID, failure)
		}
		return nil
	case MessageCursor:
		delta, err := broker.MoveCursor(ctx, ss.sessionID, *msg.Position)
		if err != nil {
			return err
		}
		return ss.write(ctx, ServerFrame{Type: FramePresence, RequestID: msg.RequestID, Presence: []presence.Delta{delta}})
	case MessageSelection:
		delta, err := broker.MoveSelection(ctx, ss.sessionID, *msg.Anchor, *msg.Head)
		if err != nil {
			return err
		}
		return ss.write(ctx, ServerFrame{Type: FramePresence, RequestID: msg.RequestID, Presence: []presence.Delta{delta}})
	case MessageHeartbeat:
		return broker.Heartbeat(ctx, ss.sessionID)
	case MessageReconnect:
		replay, err := broker.Reconnect(ctx, ss.sessionID, *msg.LastKnownVersion)
		if err != nil {
			return err
		}
		ss.mu.Lock()
		if replay.Version > ss.sent {
			ss.sent = replay.Version
		}
		ss.mu.Unlock()
		return ss.write(ctx, ServerFrame{Type: FrameReplay, RequestID: msg.RequestID, Replay: &replay})
	default:
		return relaydoc.ErrInvalidInput
	}
}

// catchUp sends the records accepted between the first frame and the moment
// the subscription opened.
func (ss *socketSession) catchUp(ctx context.Context) error {
	for {
		ss.mu.Lock()
		since := ss.sent
		ss.mu.Unlock()
		page, err := ss.server.broker.Ops(ctx, ss.documentID, since, 1000)
		if err != nil {
			return err
		}
		if records := ss.unsent(page.Records); len(records) > 0 {
			change := relaydoc.Change{
				DocumentID: ss.documentID,
				Type:       relaydoc.ChangeOperation,
				Version:    records[len(records)-1].Version,
				Records:    records,
			}
			if err := ss.write(ctx, ServerFrame{Type: FrameChange, Change: &change}); err != nil {
				return err
			}
		}
		if page.NextCursor == 0 {
			return nil
		}
	}
}

// forward relays the change feed. It returns a close status when the feed
// ends because the broker dropped the subscription, or 0 when ctx ended.
func (ss *socketSession) forward(ctx context.Context) websocket.StatusCode {
	for {
		select {
		case <-ctx.Done():
			return 0
		case change, ok := <-ss.sub.C:
			if !ok {
				if ctx.Err() != nil {
					return 0
				}
				// Unblock readLoop so the socket is closed and the client
				// resumes with its last known version.
				_ = ss.conn.Close(websocket.StatusTryAgainLater, "subscription dropped; reconnect with lastKnownVersion")
				return websocket.StatusTryAgainLater
			}
			if err := ss.deliver(ctx, change); err != nil {
				return 0
			}
		}
	}
}

func (ss *socketSession) deliver(ctx context.Context, change relaydoc.Change) error {
	switch change.Type {
	case relaydoc.ChangeOperation:
		records := ss.unsent(change.Records)
		if len(records) == 0 {
			return nil
		}
		change.Records = records
		return ss.write(ctx, ServerFrame{Type: FrameChange, Change: &change})
	case relaydoc.ChangePresence:
		return ss.write(ctx, ServerFrame{Type: FramePresence, Presence: change.Presence})
	case relaydoc.ChangeFailure:
		if change.Failure != nil {
			ss.writeFailure(ctx, "", *change.Failure)
		}
		return nil
	default:
		return ss.write(ctx, ServerFrame{Type: FrameChange, Change: &change})
	}
}

// release disconnects the session unless another socket has taken it over.
func (ss *socketSession) release() {
	if !ss.server.detach(ss.sessionID, ss) {
		return
	}
	if err := ss.server.broker.Disconnect(context.Background(), ss.sessionID); err != nil && !errors.Is(err, relaydoc.ErrSessionNotFound) && !errors.Is(err, relaydoc.ErrClosed) {
		glog.Warningf("httpapi: disconnect %s: %v", ss.sessionID, err)
	}
}

func (s *Server) attach(sessionID string, ss *socketSession) *socketSession {
	s.socketsMu.Lock()
	defer s.socketsMu.Unlock()
	prev := s.sockets[sessionID]
	s.sockets[sessionID] = ss
	return prev
}

// restore undoes a failed takeover.
func (s *Server) restore(sessionID string, ss, prev *socketSession) {
	s.socketsMu.Lock()
	defer s.socketsMu.Unlock()
	if s.sockets[sessionID] != ss {
		return
	}
	if prev != nil {
		s.sockets[sessionID] = prev
		return
	}
	delete(s.sockets, sessionID)
}

// detach reports whether ss was the socket attached to the session.
func (s *Server) detach(sessionID string, ss *socketSession) bool {
	s.socketsMu.Lock()
	defer s.socketsMu.Unlock()
	if s.sockets[sessionID] != ss {
		return false
	}
	delete(s.sockets, sessionID)
	return true
}

// unsent drops the records this socket already delivered and advances the
// delivered version past the rest.
func (ss *socketSession) unsent(records []document.Record) []document.Record {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]document.Record, 0, len(records))
	for _, rec := range records {
		if rec.Version <= ss.sent {
			continue
		}
		ss.sent = rec.Version
		out = append(out, rec)
	}
	return out
}

func (ss *socketSession) write(ctx context.Context, frame ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ss.server.cfg.WriteTimeout)
	defer cancel()
	return ss.conn.Write(ctx, websocket.MessageText, data)
}

func (ss *socketSession) writeError(ctx context.Context, requestID string, err error) {
	info := classifyError(err)
	if info.status >= http.StatusInternalServerError {
		glog.Errorf("httpapi: session %s: %v", ss.sessionID, err)
	}
	_ = ss.write(ctx, ServerFrame{
		Type:      FrameError,
		RequestID: requestID,
		Error:     &ErrorFrame{Code: info.code, Message: err.Error(), Resync: info.resync},
	})
}

func (ss *socketSession) writeFailure(ctx context.Context, requestID string, failure relaydoc.OperationFailure) {
	opID := failure.OpID
	frame := &ErrorFrame{Code: failure.Reason, Message: "operation " + opID.String() + " was not applied", OpID: &opID}
	if failure.Reason == "unknown_target" {
		frame.Resync = true
	}
	_ = ss.write(ctx, ServerFrame{Type: FrameError, RequestID: requestID, Error: frame})
}

// finish closes the socket. If no newer socket has resumed the session it
// also leaves the session in the broker, which starts its reconnect grace
// period.
func (ss *socketSession) finish(status websocket.StatusCode, reason string) {
	ss.sub.Cancel()
	ss.release()
	_ = ss.conn.Close(status, reason)
	glog.V(1).Infof("httpapi: session %s detached from %s (%d %s)", ss.sessionID, ss.documentID, status, reason)
}
