package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

var (
	qDecrement = regexp.QuoteMeta(`UPDATE seckill_activities SET stock = stock - 1 WHERE item_id = ? AND stock > 0`)
	qInsert    = regexp.QuoteMeta(`INSERT INTO seckill_orders (order_id, user_id, item_id, created_at) VALUES (?, ?, ?, ?)`)
)

func testOrder() model.Order {
	return model.Order{
		OrderID:   9001,
		UserID:    42,
		ItemID:    7,
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestOrderRepo_Create(t *testing.T) {
	db, mock := newMock(t)
	o := testOrder()

	mock.ExpectBegin()
	mock.ExpectExec(qDecrement).WithArgs(o.ItemID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qInsert).
		WithArgs(o.OrderID, o.UserID, o.ItemID, "2024-05-01 10:00:00.000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewOrderRepo(db).Create(context.Background(), o))
}

func TestOrderRepo_Create_StockExhausted(t *testing.T) {
	db, mock := newMock(t)
	o := testOrder()

	mock.ExpectBegin()
	mock.ExpectExec(qDecrement).WithArgs(o.ItemID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewOrderRepo(db).Create(context.Background(), o)
	assert.ErrorIs(t, err, apperr.ErrStockExhausted)
}

func TestOrderRepo_Create_Duplicate(t *testing.T) {
	db, mock := newMock(t)
	o := testOrder()

	mock.ExpectBegin()
	mock.ExpectExec(qDecrement).WithArgs(o.ItemID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qInsert).
		WithArgs(o.OrderID, o.UserID, o.ItemID, sqlmock.AnyArg()).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '42-7' for key 'uk_user_item'"})
	mock.ExpectRollback()

	err := NewOrderRepo(db).Create(context.Background(), o)
	assert.ErrorIs(t, err, apperr.ErrPersistenceConflict)
}

func TestOrderRepo_Create_DriverError(t *testing.T) {
	db, mock := newMock(t)
	o := testOrder()

	mock.ExpectBegin()
	mock.ExpectExec(qDecrement).WithArgs(o.ItemID).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := NewOrderRepo(db).Create(context.Background(), o)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrPersistenceConflict)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestOrderRepo_Exists(t *testing.T) {
	db, mock := newMock(t)
	q := regexp.QuoteMeta(`SELECT COUNT(*) FROM seckill_orders WHERE user_id = ? AND item_id = ?`)

	mock.ExpectQuery(q).WithArgs(uint64(42), uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(q).WithArgs(uint64(43), uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	repo := NewOrderRepo(db)
	ok, err := repo.Exists(context.Background(), 42, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Exists(context.Background(), 43, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivityRepo_GetByItemID(t *testing.T) {
	db, mock := newMock(t)
	q := regexp.QuoteMeta(`FROM seckill_activities WHERE item_id = ?`)
	begin := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q).WithArgs(uint64(7)).WillReturnRows(
		sqlmock.NewRows([]string{"item_id", "stock", "begin_at", "end_at", "created_at", "updated_at"}).
			AddRow(7, 100, begin, begin.Add(time.Hour), begin, begin))
	mock.ExpectQuery(q).WithArgs(uint64(8)).WillReturnError(sql.ErrNoRows)

	repo := NewActivityRepo(db)
	a, err := repo.GetByItemID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 100, a.Stock)
	assert.Equal(t, begin.Add(time.Hour), a.EndAt)

	_, err = repo.GetByItemID(context.Background(), 8)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestActivityRepo_Upsert(t *testing.T) {
	db, mock := newMock(t)
	q := regexp.QuoteMeta(`INSERT INTO seckill_activities (item_id, stock, begin_at, end_at)`)
	begin := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := &model.Activity{ItemID: 7, Stock: 100, BeginAt: begin, EndAt: begin.Add(time.Hour)}

	// Persisted orders are subtracted from the published total.
	remaining := regexp.QuoteMeta(`GREATEST(CAST(? AS SIGNED) - (SELECT COUNT(*) FROM seckill_orders WHERE item_id = ?), 0)`)
	mock.ExpectExec(remaining).
		WithArgs(uint64(7), 100, uint64(7), "2024-05-01 10:00:00.000", "2024-05-01 11:00:00.000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(uint64(7), 100, uint64(7), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&mysql.MySQLError{Number: 1452})

	repo := NewActivityRepo(db)
	require.NoError(t, repo.Upsert(context.Background(), a))
	assert.ErrorIs(t, repo.Upsert(context.Background(), a), apperr.ErrNotFound)
}

func TestItemRepo(t *testing.T) {
	db, mock := newMock(t)
	repo := NewItemRepo(db)
	ctx := context.Background()
	updated := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM items WHERE id = ?`)).WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "price_cents", "updated_at"}).
			AddRow(7, "phone", "flagship", 49900, updated))
	it, err := repo.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, model.Item{ID: 7, Name: "phone", Description: "flagship", PriceCents: 49900, UpdatedAt: updated}, *it)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM items WHERE id = ?`)).WithArgs(uint64(8)).
		WillReturnError(sql.ErrNoRows)
	_, err = repo.GetByID(ctx, 8)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE items SET`)).
		WithArgs("tablet", "", uint32(100), uint64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM items WHERE id = ?`)).WithArgs(uint64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	err = repo.Update(ctx, &model.Item{ID: 9, Name: "tablet", PriceCents: 100})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO items`)).
		WithArgs("watch", "", uint32(5)).
		WillReturnResult(sqlmock.NewResult(11, 1))
	created := &model.Item{Name: "watch", PriceCents: 5}
	require.NoError(t, repo.Create(ctx, created))
	assert.Equal(t, uint64(11), created.ID)
}
