package document

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateOperation      = errors.New("duplicate operation")
	ErrUnknownTargetReference  = errors.New("unknown target reference")
	ErrCausalDependencyTimeout = errors.New("causal dependency timeout")
	ErrCorrupted               = errors.New("document structure corrupted")
	ErrInvalidOperation        = errors.New("invalid operation")
	ErrHistoryUnavailable      = errors.New("history unavailable")
)

// UnknownTargetError means the replica has never seen the referenced
// character and must resync from a full snapshot.
type UnknownTargetError struct {
	OpID   CharID
	Target CharID
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("operation %s references unknown character %s", e.OpID, e.Target)
}

func (e *UnknownTargetError) Is(target error) bool {
	return target == ErrUnknownTargetReference
}

type PendingTimeoutError struct {
	OpID     CharID
	Attempts int
}

func (e *PendingTimeoutError) Error() string {
	return fmt.Sprintf("operation %s still pending after %d attempts", e.OpID, e.Attempts)
}

func (e *PendingTimeoutError) Is(target error) bool {
	return target == ErrCausalDependencyTimeout
}
