package outbox

import "time"

// PersistentEvent is an event that was committed to the event log.
type PersistentEvent[P any] struct {
	Sequence   EventSequence `json:"sequence"`
	Payload    P             `json:"payload"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// EphemeralEvent is a broadcast-only notification. It has no sequence and
// cannot be replayed.
type EphemeralEvent[P any] struct {
	Payload    P         `json:"payload"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Event is exactly one of a persistent or an ephemeral event.
type Event[P any] struct {
	Persistent *PersistentEvent[P] `json:"persistent,omitempty"`
	Ephemeral  *EphemeralEvent[P]  `json:"ephemeral,omitempty"`
}

func (e Event[P]) IsPersistent() bool {
	return e.Persistent != nil
}
