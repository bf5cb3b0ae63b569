package monitor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type EventKind uint8

const (
	EventSessionUp EventKind = iota + 1
	EventSessionDown
	EventLinkUp
	EventRoutes
	EventShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventSessionUp:
		return "session-up"
	case EventSessionDown:
		return "session-down"
	case EventLinkUp:
		return "link-up"
	case EventRoutes:
		return "routes"
	case EventShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

type Route struct {
	Node   int64 `cbor:"1,keyasint"`
	Weight int32 `cbor:"2,keyasint"`
	Via    int64 `cbor:"3,keyasint"`
}

// Event is one node change as published to the broker.
type Event struct {
	Kind    EventKind `cbor:"1,keyasint"`
	Time    int64     `cbor:"2,keyasint"` // unix nanoseconds
	Node    int64     `cbor:"3,keyasint"`
	Session string    `cbor:"4,keyasint,omitempty"`
	Remote  int64     `cbor:"5,keyasint,omitempty"`
	UserID  int64     `cbor:"6,keyasint,omitempty"`
	Reason  string    `cbor:"7,keyasint,omitempty"`
	Routes  []Route   `cbor:"8,keyasint,omitempty"`
}

func (e *Event) MarshalBinary() ([]byte, error) { return cbor.Marshal(e) }
func (e *Event) UnmarshalBinary(b []byte) error { return cbor.Unmarshal(b, e) }

func (e Event) String() string {
	return fmt.Sprintf("%s node=%d session=%s remote=%d reason=%s", e.Kind, e.Node, e.Session, e.Remote, e.Reason)
}
