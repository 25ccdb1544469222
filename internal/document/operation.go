// Package document holds the replicated text core: character identifiers,
// operations, the causality tracker, the accepted-operation log, and the
// RGA-based convergence engine.
package document

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// CharID identifies one character for the lifetime of a document. It is also
// the identifier of the operation that created it. The zero value is the head
// sentinel that precedes the first character.
type CharID struct {
	Site string `json:"site"`
	Seq  uint64 `json:"seq"`
}

var Head = CharID{}

func (id CharID) IsHead() bool {
	return id.Site == "" && id.Seq == 0
}

func (id CharID) String() string {
	if id.IsHead() {
		return "head"
	}
	return fmt.Sprintf("%s:%d", id.Site, id.Seq)
}

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Operation is immutable once stamped. For inserts, Target is the predecessor
// the new character is placed after and ID names the new character. For
// deletes, Target is the character being tombstoned.
type Operation struct {
	ID        CharID        `json:"id"`
	Kind      Kind          `json:"kind"`
	Target    CharID        `json:"target"`
	Value     string        `json:"value,omitempty"`
	Clock     uint64        `json:"clock"`
	Context   VersionVector `json:"context,omitempty"`
	Author    string        `json:"author,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (op Operation) Validate() error {
	if strings.TrimSpace(op.ID.Site) == "" || op.ID.Seq == 0 {
		return fmt.Errorf("%w: missing operation id", ErrInvalidOperation)
	}
	if op.Clock == 0 {
		return fmt.Errorf("%w: operation %s has no clock", ErrInvalidOperation, op.ID)
	}
	switch op.Kind {
	case KindInsert:
		if utf8.RuneCountInString(op.Value) != 1 {
			return fmt.Errorf("%w: insert %s must carry exactly one character", ErrInvalidOperation, op.ID)
		}
	case KindDelete:
		if op.Target.IsHead() {
			return fmt.Errorf("%w: delete %s targets the head sentinel", ErrInvalidOperation, op.ID)
		}
		if op.Value != "" {
			return fmt.Errorf("%w: delete %s carries a value", ErrInvalidOperation, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Context != nil {
		if seen := op.Context[op.ID.Site]; seen >= op.ID.Seq {
			return fmt.Errorf("%w: operation %s depends on itself", ErrInvalidOperation, op.ID)
		}
	}
	return nil
}

// Position addresses a place in the document either by a stable character
// anchor or by a raw visible offset. Exactly one of the fields must be set.
type Position struct {
	Anchor *CharID `json:"anchor,omitempty"`
	Offset *int    `json:"offset,omitempty"`
}

func AtAnchor(id CharID) Position {
	return Position{Anchor: &id}
}

func AtOffset(offset int) Position {
	return Position{Offset: &offset}
}

func (p Position) Validate() error {
	if (p.Anchor == nil) == (p.Offset == nil) {
		return fmt.Errorf("%w: position needs exactly one of anchor or offset", ErrInvalidOperation)
	}
	if p.Offset != nil && *p.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidOperation, *p.Offset)
	}
	return nil
}

// Record is an accepted operation together with the document version its
// acceptance produced.
type Record struct {
	Version   uint64    `json:"version"`
	Operation Operation `json:"operation"`
}
