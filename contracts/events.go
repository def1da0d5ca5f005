package contracts

import "fmt"

// EventKind enumerates connection lifecycle transitions observable through
// the broker.
type EventKind int

const (
	// EventConnected fires after the connection is established and its
	// topology has been fully replayed.
	EventConnected EventKind = iota

	// EventClosed fires after a deliberate close.
	EventClosed

	// EventFailed fires on a recoverable transport fault. The connection
	// keeps retrying internally.
	EventFailed

	// EventUnreachable fires when the retry budget is exhausted. The
	// connection stays down until an explicit reconnect.
	EventUnreachable
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	case EventUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a tagged lifecycle notification. Err is set for EventFailed only.
type Event struct {
	Kind       EventKind
	Connection string
	Err        error
}
