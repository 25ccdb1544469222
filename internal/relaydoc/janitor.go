package relaydoc

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/relaydoc/internal/presence"
)

func (b *Broker) janitor() {
	ticker := time.NewTicker(b.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			b.Sweep(b.queueCtx)
		}
	}
}

// Sweep runs one housekeeping pass over every open document: presence
// liveness, expiry of buffered operations, garbage collection of sessions
// past their reconnect grace, and a structural check of changed engines.
func (b *Broker) Sweep(ctx context.Context) {
	b.mu.RLock()
	lanes := make([]*lane, 0, len(b.lanes))
	for _, l := range b.lanes {
		lanes = append(lanes, l)
	}
	b.mu.RUnlock()

	for _, l := range lanes {
		var forgotten []string
		var corrupt error
		err := l.do(ctx, func() error {
			forgotten, corrupt = b.sweepLane(l, b.opts.Now())
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrClosed) {
				continue
			}
			return
		}
		b.forgetSessions(forgotten...)
		if corrupt != nil {
			b.evict(l, corrupt)
		}
	}
}

func (b *Broker) sweepLane(l *lane, now time.Time) ([]string, error) {
	deltas := l.presence.Sweep(now)
	for _, d := range deltas {
		if d.Kind != presence.DeltaLeave {
			continue
		}
		if s, ok := l.sessions[d.SessionID]; ok && s.disconnectedAt.IsZero() {
			s.disconnectedAt = now
			l.unsubscribeSession(d.SessionID)
		}
	}
	if len(deltas) > 0 {
		l.broadcast(Change{Type: ChangePresence, Version: l.engine.Version(), Presence: deltas})
	}

	for _, expired := range l.engine.ExpirePending(now) {
		b.reportFailure(l, "", OperationFailure{OpID: expired.OpID, Reason: "pending_timeout", Attempts: expired.Attempts}, nil)
	}

	var forgotten []string
	for id, s := range l.sessions {
		if s.disconnectedAt.IsZero() || now.Sub(s.disconnectedAt) < b.opts.ReconnectGrace {
			continue
		}
		delete(l.sessions, id)
		delete(l.sites, s.session.Site)
		l.presence.Remove(id)
		forgotten = append(forgotten, id)
	}

	if version := l.engine.Version(); version != l.verifiedAt {
		if err := l.engine.Verify(); err != nil {
			return forgotten, err
		}
		l.verifiedAt = version
	}
	return forgotten, nil
}
