// Package events holds the base domain-event type every aggregate's
// events embed: a uuid-keyed, timestamped record of something that
// happened, published outward through the engine's event bus after the
// state change it describes has been persisted.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event
type Event interface {
	ID() uuid.UUID
	AggregateID() uuid.UUID
	AggregateType() string
	EventType() string
	Version() int
	CreatedAt() time.Time
	Metadata() map[string]interface{}
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	id            uuid.UUID
	aggregateID   uuid.UUID
	aggregateType string
	eventType     string
	version       int
	createdAt     time.Time
	metadata      map[string]interface{}
}

// NewBaseEvent creates a new base event
func NewBaseEvent(aggregateID uuid.UUID, aggregateType, eventType string, version int) BaseEvent {
	return BaseEvent{
		id:            uuid.New(),
		aggregateID:   aggregateID,
		aggregateType: aggregateType,
		eventType:     eventType,
		version:       version,
		createdAt:     time.Now(),
		metadata:      make(map[string]interface{}),
	}
}

// ID returns the event ID
func (e BaseEvent) ID() uuid.UUID {
	return e.id
}

// AggregateID returns the aggregate ID
func (e BaseEvent) AggregateID() uuid.UUID {
	return e.aggregateID
}

// AggregateType returns the aggregate type
func (e BaseEvent) AggregateType() string {
	return e.aggregateType
}

// EventType returns the event type
func (e BaseEvent) EventType() string {
	return e.eventType
}

// Version returns the event version
func (e BaseEvent) Version() int {
	return e.version
}

// CreatedAt returns the event creation time
func (e BaseEvent) CreatedAt() time.Time {
	return e.createdAt
}

// Metadata returns the event metadata
func (e BaseEvent) Metadata() map[string]interface{} {
	return e.metadata
}
