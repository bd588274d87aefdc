package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/model"
)

// ItemRepo provides access to the items table.
type ItemRepo struct {
	db *sql.DB
}

// NewItemRepo returns an ItemRepo on db.
func NewItemRepo(db *sql.DB) *ItemRepo { return &ItemRepo{db: db} }

// GetByID returns apperr.ErrNotFound when no row matches.
func (r *ItemRepo) GetByID(ctx context.Context, id uint64) (*model.Item, error) {
	const q = `SELECT id, name, description, price_cents, updated_at FROM items WHERE id = ?`
	var it model.Item
	err := r.db.QueryRowContext(ctx, q, id).
		Scan(&it.ID, &it.Name, &it.Description, &it.PriceCents, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(apperr.ErrNotFound, "item %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select item %d", id)
	}
	return &it, nil
}

// Create inserts it and fills in its generated id.
func (r *ItemRepo) Create(ctx context.Context, it *model.Item) error {
	const q = `INSERT INTO items (name, description, price_cents) VALUES (?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, it.Name, it.Description, it.PriceCents)
	if err != nil {
		return errors.Wrap(err, "insert item")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	it.ID = uint64(id)
	return nil
}

// Update overwrites name, description and price. It returns
// apperr.ErrNotFound when the row does not exist.
func (r *ItemRepo) Update(ctx context.Context, it *model.Item) error {
	const q = `UPDATE items SET name = ?, description = ?, price_cents = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, q, it.Name, it.Description, it.PriceCents, it.ID); err != nil {
		return errors.Wrapf(err, "update item %d", it.ID)
	}
	// MySQL reports zero affected rows for unchanged values, so existence
	// is checked separately.
	const qExists = `SELECT COUNT(*) FROM items WHERE id = ?`
	var n int
	if err := r.db.QueryRowContext(ctx, qExists, it.ID).Scan(&n); err != nil {
		return errors.Wrapf(err, "check item %d", it.ID)
	}
	if n == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "item %d", it.ID)
	}
	return nil
}
