// Package queue moves admitted tickets and order events between processes.
// Tickets travel on a Redis stream read by a consumer group; persisted
// orders are announced on a durable RabbitMQ queue.
package queue

import (
	"time"

	"github.com/iliyamo/flash-sale/internal/model"
)

// OrderCreatedEvent is published once an order has been written to the
// system of record. Downstream consumers (payment, notification, audit)
// read it without querying the primary database.
type OrderCreatedEvent struct {
	OrderID     uint64 `json:"order_id"`
	UserID      uint64 `json:"user_id"`
	ItemID      uint64 `json:"item_id"`
	AdmittedAt  string `json:"admitted_at"`
	PersistedAt string `json:"persisted_at"`
}

// NewOrderCreatedEvent describes o, persisted at persistedAt.
func NewOrderCreatedEvent(o model.Order, persistedAt time.Time) OrderCreatedEvent {
	return OrderCreatedEvent{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		ItemID:      o.ItemID,
		AdmittedAt:  o.CreatedAt.UTC().Format(time.RFC3339Nano),
		PersistedAt: persistedAt.UTC().Format(time.RFC3339Nano),
	}
}
