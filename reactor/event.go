package reactor

import (
	"time"

	"tuyalink/wire"
)

// EventType tags the variant carried by an Event.
type EventType int

const (
	Connected EventType = iota + 1
	Readable
	Writable
	Read
	MessageEvent
	Close
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "Connected"
	case Readable:
		return "Readable"
	case Writable:
		return "Writable"
	case Read:
		return "Read"
	case MessageEvent:
		return "Message"
	case Close:
		return "Close"
	default:
		return "Unknown"
	}
}

// Event is the tagged record the reactor dispatches to handlers and to the
// EventBus. Only the fields relevant to Type are meaningful; Readable and
// Writable events carry only FD.
type Event struct {
	Type      EventType
	FD        int
	Addr      string
	Timestamp time.Time

	// Raw carries the bytes read off the wire for a Read event.
	Raw []byte
	// Msg carries the parsed frame for a MessageEvent.
	Msg wire.Message
}
