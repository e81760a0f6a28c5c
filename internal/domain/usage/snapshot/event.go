package snapshot

import "time"

// EventType is the wire discriminator of accepted-snapshot events.
const EventType = "TOKEN_UPDATE"

// Event is emitted by the change relay for every accepted snapshot.
type Event struct {
	Type   string    `json:"type"`
	Data   Snapshot  `json:"data"`
	Source Source    `json:"source"`
	Origin string    `json:"origin"` // id of the execution context that produced it
	At     time.Time `json:"at"`
}

// NewEvent creates an accepted-snapshot event.
func NewEvent(data Snapshot, source Source, origin string, at time.Time) Event {
	return Event{
		Type:   EventType,
		Data:   data,
		Source: source,
		Origin: origin,
		At:     at,
	}
}
