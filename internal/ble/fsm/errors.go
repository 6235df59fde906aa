package fsm

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidTransition matches every *TransitionError via errors.Is.
	ErrInvalidTransition = errors.New("fsm: invalid transition")

	// ErrUnknownEvent is returned for an event kind outside the closed set.
	ErrUnknownEvent = errors.New("fsm: unknown event")
)

// TransitionError reports an event that is not valid in the current state.
// Valid lists the state kinds from which Event would have been accepted.
type TransitionError struct {
	Event   EventKind
	Current State
	Valid   []Kind
}

func (e *TransitionError) Error() string {
	valid := make([]string, len(e.Valid))
	for i, k := range e.Valid {
		valid[i] = k.String()
	}
	return "cannot " + e.Event.String() + " while " + e.Current.String() +
		"; valid states: " + strings.Join(valid, ", ")
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
