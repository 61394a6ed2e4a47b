package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds use dotted namespaces: "session.expired", "conn.status_changed",
// "realtime.newMessage". Realtime frames are forwarded verbatim under the
// "realtime." namespace with the server event name as the suffix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
