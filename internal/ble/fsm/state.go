// Package fsm implements the lifecycle state machine of a BLE central.
//
// The machine tracks which phase the local radio controller is in and
// validates every lifecycle event against that phase before allowing a
// transition. It performs no radio I/O and holds no locks; the owning
// controller serializes calls and reacts to the results.
package fsm

// Cause explains why the controller is unavailable. The machine stores and
// echoes it back but never interprets it.
type Cause uint8

const (
	CauseUnknown Cause = iota
	CauseResetting
	CauseUnsupported
	CauseUnauthorized
	CausePoweredOff
)

func (c Cause) String() string {
	switch c {
	case CauseUnknown:
		return "unknown"
	case CauseResetting:
		return "resetting"
	case CauseUnsupported:
		return "unsupported"
	case CauseUnauthorized:
		return "unauthorized"
	case CausePoweredOff:
		return "powered off"
	default:
		return "unknown"
	}
}

// Kind labels a lifecycle phase without any attached data.
type Kind uint8

const (
	// Initialized: no association with radio hardware yet.
	Initialized Kind = iota
	// Starting: hardware initialization requested, not yet confirmed.
	Starting
	// Unavailable: hardware exists but cannot be used.
	Unavailable
	// Available: hardware ready for use.
	Available
	// Scanning: actively discovering peripherals. A sub-mode of Available.
	Scanning
)

func (k Kind) String() string {
	switch k {
	case Initialized:
		return "initialized"
	case Starting:
		return "starting"
	case Unavailable:
		return "unavailable"
	case Available:
		return "available"
	case Scanning:
		return "scanning"
	default:
		return "invalid"
	}
}

// State is the current lifecycle phase. Cause is only meaningful when
// Kind is Unavailable and is zero otherwise.
type State struct {
	Kind  Kind
	Cause Cause
}

// UnavailableState returns the Unavailable state carrying cause.
func UnavailableState(cause Cause) State {
	return State{Kind: Unavailable, Cause: cause}
}

func (s State) String() string {
	if s.Kind == Unavailable {
		return s.Kind.String() + " (" + s.Cause.String() + ")"
	}
	return s.Kind.String()
}
