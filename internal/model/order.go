package model

import "time"

// Ticket is the admission record appended to the order stream. It is
// immutable and may be delivered more than once.
type Ticket struct {
	OrderID   uint64
	UserID    uint64
	ItemID    uint64
	CreatedAt time.Time
}

// Order is a persisted purchase. At most one exists per (UserID, ItemID).
type Order struct {
	OrderID   uint64    // seckill_orders.order_id
	UserID    uint64    // seckill_orders.user_id
	ItemID    uint64    // seckill_orders.item_id
	CreatedAt time.Time // seckill_orders.created_at
}

// OrderFromTicket builds the order an admitted ticket turns into.
func OrderFromTicket(t Ticket) Order {
	return Order{OrderID: t.OrderID, UserID: t.UserID, ItemID: t.ItemID, CreatedAt: t.CreatedAt}
}
