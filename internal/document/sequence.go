package document

import (
	"fmt"
	"strings"
)

type node struct {
	id      CharID
	parent  CharID
	value   string
	clock   uint64
	deleted bool

	children []*node
	// rank is the number of live characters up to and including this node in
	// document order. Valid only while the sequence is not dirty.
	rank int
}

// precedes orders siblings under the same parent: newer clocks first, then
// ascending site, then ascending sequence number.
func (n *node) precedes(other *node) bool {
	if n.clock != other.clock {
		return n.clock > other.clock
	}
	if n.id.Site != other.id.Site {
		return n.id.Site < other.id.Site
	}
	return n.id.Seq < other.id.Seq
}

// sequence is a replicated growable array stored as a tree of inserts keyed by
// predecessor. Document order is a pre-order walk from the head sentinel.
type sequence struct {
	head  *node
	nodes map[CharID]*node

	dirty   bool
	order   []*node
	visible []*node
}

func newSequence() *sequence {
	head := &node{id: Head}
	return &sequence{
		head:  head,
		nodes: map[CharID]*node{Head: head},
	}
}

func (s *sequence) has(id CharID) bool {
	_, ok := s.nodes[id]
	return ok
}

func (s *sequence) insert(id, parent CharID, value string, clock uint64) error {
	if s.has(id) {
		return fmt.Errorf("%w: character %s already exists", ErrInvalidOperation, id)
	}
	p, ok := s.nodes[parent]
	if !ok {
		return &UnknownTargetError{OpID: id, Target: parent}
	}
	n := &node{id: id, parent: parent, value: value, clock: clock}
	idx := len(p.children)
	for i, sibling := range p.children {
		if n.precedes(sibling) {
			idx = i
			break
		}
	}
	p.children = append(p.children, nil)
	copy(p.children[idx+1:], p.children[idx:])
	p.children[idx] = n
	s.nodes[id] = n
	s.dirty = true
	return nil
}

func (s *sequence) remove(opID, target CharID) error {
	n, ok := s.nodes[target]
	if !ok || target.IsHead() {
		return &UnknownTargetError{OpID: opID, Target: target}
	}
	if !n.deleted {
		n.deleted = true
		s.dirty = true
	}
	return nil
}

func (s *sequence) refresh() {
	if !s.dirty && s.order != nil {
		return
	}
	order := make([]*node, 0, len(s.nodes)-1)
	visible := make([]*node, 0, len(s.nodes)-1)
	stack := make([]*node, 0, 16)
	for i := len(s.head.children) - 1; i >= 0; i-- {
		stack = append(stack, s.head.children[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, n)
		if !n.deleted {
			visible = append(visible, n)
		}
		n.rank = len(visible)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	s.order = order
	s.visible = visible
	s.dirty = false
}

func (s *sequence) text() string {
	s.refresh()
	var b strings.Builder
	for _, n := range s.visible {
		b.WriteString(n.value)
	}
	return b.String()
}

func (s *sequence) length() int {
	s.refresh()
	return len(s.visible)
}

func (s *sequence) live(offset int) (*node, bool) {
	s.refresh()
	if offset < 0 || offset >= len(s.visible) {
		return nil, false
	}
	return s.visible[offset], true
}

// offsetOf returns the visible offset just after id, which is the number of
// live characters at or before it. A tombstoned id therefore lands right
// after its nearest live predecessor.
func (s *sequence) offsetOf(id CharID) (int, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return 0, false
	}
	if n == s.head {
		return 0, true
	}
	s.refresh()
	return n.rank, true
}

// verify walks the tree and checks that every stored node is reachable
// exactly once through its recorded parent.
func (s *sequence) verify() error {
	seen := make(map[CharID]bool, len(s.nodes))
	stack := []*node{s.head}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n.id] {
			return fmt.Errorf("%w: character %s reachable twice", ErrCorrupted, n.id)
		}
		seen[n.id] = true
		if stored, ok := s.nodes[n.id]; !ok || stored != n {
			return fmt.Errorf("%w: character %s missing from index", ErrCorrupted, n.id)
		}
		for i, child := range n.children {
			if child.parent != n.id {
				return fmt.Errorf("%w: character %s listed under %s but points at %s", ErrCorrupted, child.id, n.id, child.parent)
			}
			if i > 0 && !n.children[i-1].precedes(child) {
				return fmt.Errorf("%w: siblings under %s out of order", ErrCorrupted, n.id)
			}
			stack = append(stack, child)
		}
	}
	if len(seen) != len(s.nodes) {
		return fmt.Errorf("%w: %d of %d characters unreachable", ErrCorrupted, len(s.nodes)-len(seen), len(s.nodes))
	}
	return nil
}

type NodeState struct {
	ID      CharID `json:"id"`
	Parent  CharID `json:"parent"`
	Value   string `json:"value"`
	Clock   uint64 `json:"clock"`
	Deleted bool   `json:"deleted,omitempty"`
}

// export lists nodes in document order, so every parent precedes its
// children and re-inserting them in order rebuilds the same tree.
func (s *sequence) export() []NodeState {
	s.refresh()
	out := make([]NodeState, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, NodeState{
			ID:      n.id,
			Parent:  n.parent,
			Value:   n.value,
			Clock:   n.clock,
			Deleted: n.deleted,
		})
	}
	return out
}

func importSequence(nodes []NodeState) (*sequence, error) {
	s := newSequence()
	for _, ns := range nodes {
		if ns.ID.IsHead() {
			return nil, fmt.Errorf("%w: snapshot contains head sentinel", ErrCorrupted)
		}
		if err := s.insert(ns.ID, ns.Parent, ns.Value, ns.Clock); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if ns.Deleted {
			s.nodes[ns.ID].deleted = true
		}
	}
	return s, nil
}
