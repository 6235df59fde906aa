package fsm

import "fmt"

// Machine holds the current lifecycle state. It is not safe for concurrent
// use; the owner must serialize calls to Handle.
type Machine struct {
	state State
}

// New returns a machine in the Initialized state.
func New() *Machine {
	return &Machine{state: State{Kind: Initialized}}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Handle applies ev. On success the state is updated and nil is returned.
// On failure the state is left untouched.
func (m *Machine) Handle(ev Event) error {
	next, err := Transition(m.state, ev)
	if err != nil {
		return err
	}
	m.state = next
	return nil
}

// Can reports whether an event of kind k would be accepted right now.
func (m *Machine) Can(k EventKind) bool {
	_, err := Transition(m.state, Event{Kind: k})
	return err == nil
}

// Transition evaluates ev against current and returns the next state.
// On error the returned state equals current.
func Transition(current State, ev Event) (State, error) {
	switch ev.Kind {
	case Start:
		if current.Kind == Initialized {
			return State{Kind: Starting}, nil
		}
		return current, rejected(ev, current, Initialized)

	case SetAvailable:
		if current.Kind == Initialized {
			return current, rejected(ev, current, Starting, Available, Unavailable)
		}
		return State{Kind: Available}, nil

	case SetUnavailable:
		if current.Kind == Initialized {
			return current, rejected(ev, current, Starting, Available, Unavailable)
		}
		return UnavailableState(ev.Cause), nil

	case Scan:
		if current.Kind == Available {
			return State{Kind: Scanning}, nil
		}
		return current, rejected(ev, current, Available)

	case Connect:
		// Validation only; connection bookkeeping belongs to the caller.
		switch current.Kind {
		case Available, Scanning:
			return current, nil
		}
		return current, rejected(ev, current, Available, Scanning)

	case Stop:
		if current.Kind == Initialized {
			return current, rejected(ev, current, Starting, Unavailable, Available, Scanning)
		}
		return State{Kind: Initialized}, nil

	default:
		return current, fmt.Errorf("%w: %d", ErrUnknownEvent, ev.Kind)
	}
}

func rejected(ev Event, current State, valid ...Kind) *TransitionError {
	return &TransitionError{Event: ev.Kind, Current: current, Valid: valid}
}
