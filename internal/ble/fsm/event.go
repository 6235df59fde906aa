package fsm

// EventKind identifies a lifecycle event.
type EventKind uint8

const (
	Start EventKind = iota
	SetUnavailable
	SetAvailable
	Scan
	Connect
	Stop
)

func (k EventKind) String() string {
	switch k {
	case Start:
		return "start"
	case SetUnavailable:
		return "set unavailable"
	case SetAvailable:
		return "set available"
	case Scan:
		return "scan"
	case Connect:
		return "connect"
	case Stop:
		return "stop"
	default:
		return "invalid"
	}
}

// Event is an input to the machine. Cause is only read for SetUnavailable.
type Event struct {
	Kind  EventKind
	Cause Cause
}

func (e Event) String() string {
	if e.Kind == SetUnavailable {
		return e.Kind.String() + " (" + e.Cause.String() + ")"
	}
	return e.Kind.String()
}

func EventStart() Event        { return Event{Kind: Start} }
func EventSetAvailable() Event { return Event{Kind: SetAvailable} }
func EventScan() Event         { return Event{Kind: Scan} }
func EventConnect() Event      { return Event{Kind: Connect} }
func EventStop() Event         { return Event{Kind: Stop} }

// EventSetUnavailable reports that the radio cannot be used because of cause.
func EventSetUnavailable(cause Cause) Event {
	return Event{Kind: SetUnavailable, Cause: cause}
}
