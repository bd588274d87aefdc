package model

import "time"

// Item is the hot catalogue entity served through the cache guard.
type Item struct {
	ID          uint64    `json:"id"`          // items.id
	Name        string    `json:"name"`        // items.name
	Description string    `json:"description"` // items.description
	PriceCents  uint32    `json:"price_cents"` // items.price_cents
	UpdatedAt   time.Time `json:"updated_at"`  // items.updated_at
}
