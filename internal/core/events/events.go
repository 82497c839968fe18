// Package events provides the in-process pub/sub bus the sync engine uses to
// notify listeners about conflicts, session completions, and failures, plus a
// Dispatcher that buffers outbound events so publishing never rides on a
// mutation's success path.
package events

import "time"

// Event types published by the engine.
const (
	TypeConflictDetected = "sync.conflict.detected"
	TypeConflictResolved = "sync.conflict.resolved"
	TypeSessionCompleted = "sync.session.completed"
	TypeRetryExhausted   = "sync.retry.exhausted"
	TypeChecksumMismatch = "sync.checksum.mismatch"
)

// Event is an immutable notification. Data carries the full entity (e.g. the
// conflicted replica record) so listeners can react without polling.
type Event struct {
	Type      string
	Source    string
	Timestamp time.Time
	Data      any
}

// New builds an event stamped with the current time.
func New(eventType, source string, data any) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Handler is a subscriber callback. Errors are aggregated by Publish.
type Handler func(event Event) error

// Bus is a thread-safe pub/sub bus keyed by event type. Publish delivers
// synchronously in the caller goroutine; subscribers that need ordering with
// buffering should sit behind a Dispatcher instead.
type Bus interface {
	Publish(event Event) error
	Subscribe(eventType string, handler Handler) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// Subscription is a registered handler bound to an event type.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}
