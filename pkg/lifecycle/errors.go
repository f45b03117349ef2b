package lifecycle

import (
	"errors"
	"fmt"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
)

var (
	// ErrInvalidStateTransition is matched by every *TransitionError.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrActionNotFound is returned for unknown ids and for ids owned by
	// another tenant.
	ErrActionNotFound = errors.New("action not found")
	// ErrDuplicateAction is returned when a proposal id is registered twice.
	ErrDuplicateAction = errors.New("duplicate action id")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	ActionID string
	From     actions.Status
	To       actions.Status
	Detail   string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("action %s: cannot transition %s -> %s", e.ActionID, e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}
