package order

import "context"

// EventType names an order lifecycle event.
type EventType string

const (
	EventCreated       EventType = "order.created"
	EventStatusChanged EventType = "order.status_changed"
)

// Event describes a committed change to an order.
type Event struct {
	Type  EventType
	Order *Order
}

// Publisher delivers order events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
