package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/model"
)

// ActivityRepo reads and writes seckill_activities. The stock column is
// the persisted stock; it is decremented by OrderRepo.Create.
type ActivityRepo struct {
	db *sql.DB
}

// NewActivityRepo returns an ActivityRepo on db.
func NewActivityRepo(db *sql.DB) *ActivityRepo { return &ActivityRepo{db: db} }

// GetByItemID returns apperr.ErrNotFound when the item has no activity.
func (r *ActivityRepo) GetByItemID(ctx context.Context, itemID uint64) (*model.Activity, error) {
	const q = `SELECT item_id, stock, begin_at, end_at, created_at, updated_at
	           FROM seckill_activities WHERE item_id = ?`
	var a model.Activity
	err := r.db.QueryRowContext(ctx, q, itemID).
		Scan(&a.ItemID, &a.Stock, &a.BeginAt, &a.EndAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(apperr.ErrNotFound, "activity for item %d", itemID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select activity %d", itemID)
	}
	return &a, nil
}

// Upsert creates the activity for a.ItemID or replaces its stock and window.
// a.Stock is the total for the sale; orders already persisted for the item
// are subtracted so the column stays the remaining persisted stock.
func (r *ActivityRepo) Upsert(ctx context.Context, a *model.Activity) error {
	const q = `INSERT INTO seckill_activities (item_id, stock, begin_at, end_at)
	           VALUES (?, GREATEST(CAST(? AS SIGNED) - (SELECT COUNT(*) FROM seckill_orders WHERE item_id = ?), 0), ?, ?)
	           ON DUPLICATE KEY UPDATE stock = VALUES(stock), begin_at = VALUES(begin_at), end_at = VALUES(end_at)`
	_, err := r.db.ExecContext(ctx, q, a.ItemID, a.Stock, a.ItemID,
		a.BeginAt.UTC().Format(dbTimeLayout), a.EndAt.UTC().Format(dbTimeLayout))
	if isForeignKeyViolation(err) {
		return errors.Wrapf(apperr.ErrNotFound, "item %d", a.ItemID)
	}
	return errors.Wrapf(err, "upsert activity %d", a.ItemID)
}
