package models

import "time"

// EventType is the inbound entity event discriminant
type EventType string

const (
	EventEntityCreated     EventType = "entity.created"
	EventEntityRescheduled EventType = "entity.rescheduled"
	EventEntityCancelled   EventType = "entity.cancelled"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventEntityCreated, EventEntityRescheduled, EventEntityCancelled:
		return true
	}
	return false
}

// EntityEvent is the envelope published by the booking registry's domain
type EntityEvent struct {
	Type       EventType       `json:"type" validate:"required"`
	OccurredAt time.Time       `json:"occurredAt"`
	Entity     ScheduledEntity `json:"entity"`
}
