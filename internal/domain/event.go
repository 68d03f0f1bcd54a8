package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates job event names as delivered to subscribers.
type EventType string

const (
	EventQueued        EventType = "queued"
	EventStarted       EventType = "started"
	EventProgress      EventType = "progress"
	EventSceneComplete EventType = "scene_complete"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventCanceled      EventType = "canceled"
)

// Valid reports whether the event type is one of the known names.
func (e EventType) Valid() bool {
	switch e {
	case EventQueued, EventStarted, EventProgress, EventSceneComplete,
		EventCompleted, EventFailed, EventCanceled:
		return true
	}
	return false
}

// Terminal reports whether the event closes the job's stream.
func (e EventType) Terminal() bool {
	switch e {
	case EventCompleted, EventFailed, EventCanceled:
		return true
	}
	return false
}

// InFlight reports whether the event is only meaningful while the job is
// processing. Lifecycle events carry their own status change; in-flight
// events must never land after a terminal one.
func (e EventType) InFlight() bool {
	return e == EventProgress || e == EventSceneComplete
}

// JobEvent is an immutable, append-only progress record. Sequences are
// strictly increasing per job, starting at 1, gap-free.
type JobEvent struct {
	JobID     string          `json:"job_id"`
	Sequence  int64           `json:"sequence"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
