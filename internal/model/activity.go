package model

import "time"

// Activity is a flash sale of one item: a fixed stock sold inside a time
// window. The Redis stock counter is seeded from Stock when the activity is
// published; afterwards only admission decrements it.
type Activity struct {
	ItemID    uint64    `json:"item_id"`    // seckill_activities.item_id
	Stock     int       `json:"stock"`      // seckill_activities.stock
	BeginAt   time.Time `json:"begin_at"`   // seckill_activities.begin_at
	EndAt     time.Time `json:"end_at"`     // seckill_activities.end_at
	CreatedAt time.Time `json:"created_at"` // seckill_activities.created_at
	UpdatedAt time.Time `json:"updated_at"` // seckill_activities.updated_at
}

// Open reports whether t falls inside the sale window. The window is
// half-open: BeginAt is inclusive, EndAt is exclusive.
func (a Activity) Open(t time.Time) bool {
	return !t.Before(a.BeginAt) && t.Before(a.EndAt)
}
