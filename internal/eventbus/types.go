// Package eventbus is the in-process publish/subscribe fabric for
// cross-cutting concerns. Events carry a priority and drain through a
// bounded queue; publishing never blocks the producer.
package eventbus

import "time"

// Priority orders events in the queue and handlers within an event.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Type names an event. The set is closed; every value lives here.
type Type string

const (
	TypeAuthSuccess      Type = "auth.success"
	TypeAuthFailure      Type = "auth.failure"
	TypeAuthRequest      Type = "auth.request"
	TypeConnEstablished  Type = "connection.established"
	TypeConnError        Type = "connection.error"
	TypeConnClosed       Type = "connection.closed"
	TypeTermResize       Type = "terminal.resize"
	TypeTermInit         Type = "terminal.init"
	TypeSessionCreated   Type = "session.created"
	TypeSessionDestroyed Type = "session.destroyed"
	TypeSystemError      Type = "system.error"
	TypeSystemShutdown   Type = "system.shutdown"
	TypeRecordingStart   Type = "recording.start"
	TypeRecordingStop    Type = "recording.stop"
	TypeReplayStart      Type = "replay.start"
)

// Event is a bus payload. Payload contents are type-specific; handlers
// assert the concrete type they expect.
type Event struct {
	Type     Type
	Payload  any
	Priority Priority

	// retry count, managed by the bus
	retries int
}

// SystemError is the payload of TypeSystemError events.
type SystemError struct {
	Origin  Type
	Err     error
	Context any
	At      time.Time
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published      uint64
	Processed      uint64
	Failed         uint64
	Dropped        uint64
	QueueSize      int
	ProcessingTime time.Duration
}
