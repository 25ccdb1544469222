// Package presence tracks who is connected to a document, where their cursors
// and selections sit, and whether they are still active.
//
// Cursors are stored as character anchors. The caret sits immediately after
// its anchor; the head sentinel anchors the start of the document. Offsets
// are only a projection and are recomputed against the current text.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/relaydoc/internal/document"
)

var ErrUnknownSession = errors.New("unknown presence session")

type Liveness string

const (
	Active       Liveness = "active"
	Idle         Liveness = "idle"
	Disconnected Liveness = "disconnected"
)

// Resolver is the read side of the convergence engine that presence needs.
type Resolver interface {
	ResolveOffset(offset int) (document.CharID, error)
	OffsetOf(id document.CharID) (int, error)
	Text() string
}

type DeltaKind string

const (
	DeltaJoin      DeltaKind = "join"
	DeltaLeave     DeltaKind = "leave"
	DeltaCursor    DeltaKind = "cursor"
	DeltaSelection DeltaKind = "selection"
	DeltaLiveness  DeltaKind = "liveness"
)

type Cursor struct {
	Anchor document.CharID `json:"anchor"`
	Offset int             `json:"offset"`
	Line   int             `json:"line"`
	Column int             `json:"column"`
}

type Selection struct {
	Anchor Cursor `json:"anchor"`
	Head   Cursor `json:"head"`
}

type Member struct {
	SessionID   string
	UserID      string
	Name        string
	Color       string
	Liveness    Liveness
	JoinedAt    time.Time
	LastSeenAt  time.Time
	Cursor      document.CharID
	Selection   *[2]document.CharID
	lastOffsets [3]int
}

// Delta is one presence change as delivered to subscribers.
type Delta struct {
	Kind      DeltaKind  `json:"kind"`
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name,omitempty"`
	Color     string     `json:"color"`
	Liveness  Liveness   `json:"liveness"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

type Options struct {
	IdleAfter       time.Duration
	DisconnectAfter time.Duration
	Now             func() time.Time
}

type Tracker struct {
	opts     Options
	resolver Resolver
	members  map[string]*Member
}

func NewTracker(resolver Resolver, opts Options) *Tracker {
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = 30 * time.Second
	}
	if opts.DisconnectAfter <= opts.IdleAfter {
		opts.DisconnectAfter = opts.IdleAfter * 4
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		opts:     opts,
		resolver: resolver,
		members:  map[string]*Member{},
	}
}

// Join registers a session, or revives a disconnected one, with its cursor at
// the start of the document unless it already had one.
func (t *Tracker) Join(m Member) Delta {
	now := t.opts.Now()
	if existing, ok := t.members[m.SessionID]; ok {
		existing.Liveness = Active
		existing.LastSeenAt = now
		return t.delta(existing, DeltaJoin)
	}
	stored := m
	stored.Liveness = Active
	if stored.JoinedAt.IsZero() {
		stored.JoinedAt = now
	}
	stored.LastSeenAt = now
	t.members[m.SessionID] = &stored
	stored.lastOffsets = t.offsets(&stored)
	return t.delta(&stored, DeltaJoin)
}

// Leave marks the session disconnected and keeps its record.
func (t *Tracker) Leave(sessionID string) (Delta, error) {
	m, err := t.member(sessionID)
	if err != nil {
		return Delta{}, err
	}
	m.Liveness = Disconnected
	return t.delta(m, DeltaLeave), nil
}

func (t *Tracker) Remove(sessionID string) {
	delete(t.members, sessionID)
}

func (t *Tracker) UpdateCursor(sessionID string, pos document.Position) (Delta, error) {
	m, err := t.member(sessionID)
	if err != nil {
		return Delta{}, err
	}
	anchor, err := t.anchor(pos)
	if err != nil {
		return Delta{}, err
	}
	m.Cursor = anchor
	t.touch(m)
	m.lastOffsets = t.offsets(m)
	return t.delta(m, DeltaCursor), nil
}

// UpdateSelection records a selection from anchor to head. The cursor follows
// the head.
func (t *Tracker) UpdateSelection(sessionID string, anchor, head document.Position) (Delta, error) {
	m, err := t.member(sessionID)
	if err != nil {
		return Delta{}, err
	}
	from, err := t.anchor(anchor)
	if err != nil {
		return Delta{}, err
	}
	to, err := t.anchor(head)
	if err != nil {
		return Delta{}, err
	}
	if from == to {
		m.Selection = nil
	} else {
		m.Selection = &[2]document.CharID{from, to}
	}
	m.Cursor = to
	t.touch(m)
	m.lastOffsets = t.offsets(m)
	return t.delta(m, DeltaSelection), nil
}

// RemapOnOperation reports the sessions whose projected offsets moved after
// op was applied. Anchors themselves never change.
func (t *Tracker) RemapOnOperation(op document.Operation) []Delta {
	var out []Delta
	for _, m := range t.sorted() {
		if m.Liveness == Disconnected {
			continue
		}
		next := t.offsets(m)
		if next == m.lastOffsets {
			continue
		}
		m.lastOffsets = next
		kind := DeltaCursor
		if m.Selection != nil {
			kind = DeltaSelection
		}
		out = append(out, t.delta(m, kind))
	}
	return out
}

func (t *Tracker) Project(sessionID string) (Cursor, error) {
	m, err := t.member(sessionID)
	if err != nil {
		return Cursor{}, err
	}
	return t.project(m.Cursor), nil
}

// Touch records a heartbeat. It returns a liveness delta when the session
// was idle.
func (t *Tracker) Touch(sessionID string) (*Delta, error) {
	m, err := t.member(sessionID)
	if err != nil {
		return nil, err
	}
	if t.touch(m) {
		d := t.delta(m, DeltaLiveness)
		return &d, nil
	}
	return nil, nil
}

func (t *Tracker) touch(m *Member) bool {
	m.LastSeenAt = t.opts.Now()
	if m.Liveness == Idle {
		m.Liveness = Active
		return true
	}
	return false
}

// Sweep moves silent sessions from Active to Idle and from Idle to
// Disconnected.
func (t *Tracker) Sweep(now time.Time) []Delta {
	var out []Delta
	for _, m := range t.sorted() {
		silent := now.Sub(m.LastSeenAt)
		switch {
		case m.Liveness != Disconnected && silent >= t.opts.DisconnectAfter:
			m.Liveness = Disconnected
			out = append(out, t.delta(m, DeltaLeave))
		case m.Liveness == Active && silent >= t.opts.IdleAfter:
			m.Liveness = Idle
			out = append(out, t.delta(m, DeltaLiveness))
		}
	}
	return out
}

func (t *Tracker) Get(sessionID string) (Member, bool) {
	m, ok := t.members[sessionID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns a delta-shaped view of every session in join order.
func (t *Tracker) Members() []Delta {
	members := t.sorted()
	out := make([]Delta, 0, len(members))
	for _, m := range members {
		out = append(out, t.delta(m, DeltaJoin))
	}
	return out
}

func (t *Tracker) member(sessionID string) (*Member, error) {
	m, ok := t.members[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return m, nil
}

func (t *Tracker) anchor(pos document.Position) (document.CharID, error) {
	if err := pos.Validate(); err != nil {
		return document.CharID{}, err
	}
	if pos.Anchor != nil {
		if _, err := t.resolver.OffsetOf(*pos.Anchor); err != nil {
			return document.CharID{}, err
		}
		return *pos.Anchor, nil
	}
	return t.resolver.ResolveOffset(*pos.Offset)
}

func (t *Tracker) sorted() []*Member {
	out := make([]*Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (t *Tracker) offsets(m *Member) [3]int {
	out := [3]int{t.offset(m.Cursor), -1, -1}
	if m.Selection != nil {
		out[1] = t.offset(m.Selection[0])
		out[2] = t.offset(m.Selection[1])
	}
	return out
}

func (t *Tracker) offset(anchor document.CharID) int {
	offset, err := t.resolver.OffsetOf(anchor)
	if err != nil {
		return 0
	}
	return offset
}

func (t *Tracker) project(anchor document.CharID) Cursor {
	offset := t.offset(anchor)
	line, column := LineColumn(t.resolver.Text(), offset)
	return Cursor{Anchor: anchor, Offset: offset, Line: line, Column: column}
}

func (t *Tracker) delta(m *Member, kind DeltaKind) Delta {
	cursor := t.project(m.Cursor)
	d := Delta{
		Kind:      kind,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Name:      m.Name,
		Color:     m.Color,
		Liveness:  m.Liveness,
		Cursor:    &cursor,
	}
	if m.Selection != nil {
		d.Selection = &Selection{Anchor: t.project(m.Selection[0]), Head: t.project(m.Selection[1])}
	}
	return d
}

// LineColumn converts a rune offset into zero-based line and column numbers.
func LineColumn(text string, offset int) (int, int) {
	line, column, i := 0, 0, 0
	for _, r := range text {
		if i >= offset {
			break
		}
		if r == '\n' {
			line++
			column = 0
		} else {
			column++
		}
		i++
	}
	return line, column
}
