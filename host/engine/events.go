package engine

import "fmt"

// EventKind identifies an event raised to the owner
type EventKind uint8

const (
	EventStreamStarted EventKind = iota + 1
	EventStreamStopped
	EventStreamError
	EventDebugMessage
)

func (k EventKind) String() string {
	switch k {
	case EventStreamStarted:
		return "stream-started"
	case EventStreamStopped:
		return "stream-stopped"
	case EventStreamError:
		return "stream-error"
	case EventDebugMessage:
		return "debug-message"
	default:
		return "unknown"
	}
}

// Event is raised to the owner of the engine
type Event struct {
	Kind EventKind
	Text string
}

func (e Event) String() string {
	if e.Text == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}
