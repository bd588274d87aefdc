package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/model"
)

// OrderRepo persists seckill orders. The UNIQUE(user_id, item_id) key on
// seckill_orders is the last line of defence for one order per user and
// item.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns an OrderRepo on db.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

// Exists reports whether userID already has an order for itemID.
func (r *OrderRepo) Exists(ctx context.Context, userID, itemID uint64) (bool, error) {
	const q = `SELECT COUNT(*) FROM seckill_orders WHERE user_id = ? AND item_id = ?`
	var n int
	if err := r.db.QueryRowContext(ctx, q, userID, itemID).Scan(&n); err != nil {
		return false, errors.Wrapf(err, "count orders of user %d for item %d", userID, itemID)
	}
	return n > 0, nil
}

// Create takes one unit of persisted stock and inserts o in a single
// transaction. It returns apperr.ErrStockExhausted when the activity has no
// stock left (or does not exist) and apperr.ErrPersistenceConflict when the
// user already has an order for the item.
func (r *OrderRepo) Create(ctx context.Context, o model.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin order tx")
	}
	defer rollback(tx)

	const qStock = `UPDATE seckill_activities SET stock = stock - 1 WHERE item_id = ? AND stock > 0`
	res, err := tx.ExecContext(ctx, qStock, o.ItemID)
	if err != nil {
		return errors.Wrapf(err, "decrement stock of item %d", o.ItemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(apperr.ErrStockExhausted, "item %d", o.ItemID)
	}

	const qInsert = `INSERT INTO seckill_orders (order_id, user_id, item_id, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, qInsert, o.OrderID, o.UserID, o.ItemID,
		o.CreatedAt.UTC().Format(dbTimeLayout)); err != nil {
		if isDuplicateKey(err) {
			return errors.Wrapf(apperr.ErrPersistenceConflict, "order %d", o.OrderID)
		}
		return errors.Wrapf(err, "insert order %d", o.OrderID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit order %d", o.OrderID)
	}
	return nil
}

// CountByItem returns how many orders exist for itemID.
func (r *OrderRepo) CountByItem(ctx context.Context, itemID uint64) (int64, error) {
	const q = `SELECT COUNT(*) FROM seckill_orders WHERE item_id = ?`
	var n int64
	if err := r.db.QueryRowContext(ctx, q, itemID).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count orders for item %d", itemID)
	}
	return n, nil
}
