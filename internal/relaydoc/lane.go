package relaydoc

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaydoc/internal/document"
	"github.com/agentworkforce/relaydoc/internal/presence"
)

// lane owns every piece of mutable state for one document. All access goes
// through do, which runs the closure on the lane's goroutine.
type lane struct {
	id        string
	title     string
	createdAt time.Time
	updatedAt time.Time

	engine      *document.Engine
	presence    *presence.Tracker
	sessions    map[string]*sessionState
	sites       map[string]string
	subscribers map[string]*subscriber

	sinceSnapshot  int
	verifiedAt     uint64
	snapshotEvery  int
	subscriberSize int

	requests chan func()
	done     chan struct{}
	stopped  chan struct{}
}

type sessionState struct {
	session        Session
	limiter        *rate.Limiter
	disconnectedAt time.Time
}

type subscriber struct {
	id        string
	sessionID string
	ch        chan Change
}

func newLane(id string, engine *document.Engine, presenceOpts presence.Options, snapshotEvery, subscriberSize int) *lane {
	return &lane{
		id:             id,
		engine:         engine,
		presence:       presence.NewTracker(engine, presenceOpts),
		sessions:       map[string]*sessionState{},
		sites:          map[string]string{},
		subscribers:    map[string]*subscriber{},
		snapshotEvery:  snapshotEvery,
		subscriberSize: subscriberSize,
		requests:       make(chan func()),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
}

func (l *lane) run() {
	defer close(l.stopped)
	for {
		select {
		case fn := <-l.requests:
			fn()
		case <-l.done:
			return
		}
	}
}

// do runs fn on the lane goroutine and waits for it. If ctx ends after fn
// was handed over, fn still runs to completion.
func (l *lane) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case l.requests <- func() { result <- fn() }:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lane) stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	<-l.stopped
}

// The methods below must only be called on the lane goroutine.

func (l *lane) snapshot(withState bool) DocumentSnapshot {
	snap := DocumentSnapshot{
		ID:        l.id,
		Title:     l.title,
		Content:   l.engine.Text(),
		Version:   l.engine.Version(),
		CreatedAt: l.createdAt,
		UpdatedAt: l.updatedAt,
	}
	if withState {
		state := l.engine.Snapshot()
		snap.State = &state
	}
	return snap
}

func (l *lane) takenColors(except string) map[string]bool {
	taken := map[string]bool{}
	for id, s := range l.sessions {
		if id == except || !s.disconnectedAt.IsZero() {
			continue
		}
		taken[s.session.Color] = true
	}
	return taken
}

func (l *lane) liveSession(sessionID string) (*sessionState, error) {
	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	if !s.disconnectedAt.IsZero() {
		return nil, sessionDisconnected(sessionID)
	}
	return s, nil
}

func (l *lane) view(s *sessionState) Session {
	out := s.session
	if member, ok := l.presence.Get(out.ID); ok {
		out.Liveness = member.Liveness
		out.LastSeenAt = member.LastSeenAt
	}
	if cursor, err := l.presence.Project(out.ID); err == nil {
		out.Cursor = &cursor
	}
	for _, d := range l.presence.Members() {
		if d.SessionID == out.ID {
			out.Selection = d.Selection
			break
		}
	}
	return out
}

func (l *lane) sortedSessions() []Session {
	out := make([]Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, l.view(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *lane) subscribe(id, sessionID string) *subscriber {
	if sessionID != "" {
		for key, sub := range l.subscribers {
			if sub.sessionID == sessionID {
				close(sub.ch)
				delete(l.subscribers, key)
			}
		}
	}
	sub := &subscriber{id: id, sessionID: sessionID, ch: make(chan Change, l.subscriberSize)}
	l.subscribers[id] = sub
	return sub
}

func (l *lane) unsubscribe(id string) {
	if sub, ok := l.subscribers[id]; ok {
		close(sub.ch)
		delete(l.subscribers, id)
	}
}

func (l *lane) unsubscribeSession(sessionID string) {
	for id, sub := range l.subscribers {
		if sub.sessionID == sessionID {
			close(sub.ch)
			delete(l.subscribers, id)
		}
	}
}

// broadcast delivers change to every subscriber except the origin session.
// A subscriber whose buffer is full is dropped and has to reconnect.
func (l *lane) broadcast(change Change) {
	change.DocumentID = l.id
	for id, sub := range l.subscribers {
		if change.Origin != "" && sub.sessionID == change.Origin {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			glog.Warningf("relaydoc: dropping slow subscriber %s on document %s", id, l.id)
			close(sub.ch)
			delete(l.subscribers, id)
		}
	}
}

// notify delivers change to the subscribers of one session only.
func (l *lane) notify(sessionID string, change Change) {
	change.DocumentID = l.id
	for id, sub := range l.subscribers {
		if sub.sessionID != sessionID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			close(sub.ch)
			delete(l.subscribers, id)
		}
	}
}

func (l *lane) closeSubscribers() {
	for id, sub := range l.subscribers {
		close(sub.ch)
		delete(l.subscribers, id)
	}
}

func (l *lane) stats() DocumentStats {
	text := l.engine.Text()
	stats := DocumentStats{
		DocumentID: l.id,
		Version:    l.engine.Version(),
		Characters: utf8.RuneCountInString(text),
		Words:      len(strings.FieldsFunc(text, unicode.IsSpace)),
		Lines:      strings.Count(text, "\n") + 1,
		Pending:    len(l.engine.Pending()),
	}
	for _, s := range l.sessions {
		stats.Sessions++
		if member, ok := l.presence.Get(s.session.ID); ok && member.Liveness == presence.Active {
			stats.ActiveSessions++
		}
	}
	return stats
}
