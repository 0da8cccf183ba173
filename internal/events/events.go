package events

import (
	"context"
	"time"
)

const (
	OrderCreated     = "order.created"
	OrderCancelled   = "order.cancelled"
	PaymentCompleted = "payment.completed"
	PaymentFailed    = "payment.failed"
	PaymentCancelled = "payment.cancelled"
)

// Event is a checkout fact published after the transaction that produced it
// has committed. Key is the order id so all events of one order stay on one
// partition.
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
