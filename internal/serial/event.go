package serial

import "fmt"

type EventKind int

const (
	EventOpened EventKind = iota
	EventData
	EventRawData
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventData:
		return "data"
	case EventRawData:
		return "rawData"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one entry of a device's event stream. Which fields are set
// depends on Kind.
type Event struct {
	Kind     EventKind
	DeviceID string

	// Line is a complete line without its terminator (EventData).
	Line string
	// Data is the chunk as read from the line (EventRawData).
	Data []byte
	// Err describes a transport fault (EventError).
	Err string
	// Requested is set on EventClosed when the close came from
	// Adapter.Close rather than from the device side.
	Requested bool
}
