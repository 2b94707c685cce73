package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces ("conn.state_changed", "rt.snapshot", "feed.page_loaded").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
