package domain

import "time"

type EventType string

const (
	EventState    EventType = "state"
	EventInbound  EventType = "inbound"
	EventDelivery EventType = "delivery"
)

// Event is a notification fanned out to live observers (the /events stream).
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// EventPublisher accepts events without blocking the caller.
type EventPublisher interface {
	Publish(ev Event)
}
