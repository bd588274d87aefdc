package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/model"
)

func newStream(t *testing.T) (*Stream, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewStream(rdb, StreamOptions{Name: "stream.orders", Group: "g1", Consumer: "c1"})
	require.NoError(t, s.EnsureGroup(context.Background()))
	return s, rdb, mr
}

func ticket(orderID uint64) model.Ticket {
	return model.Ticket{
		OrderID:   orderID,
		UserID:    42,
		ItemID:    7,
		CreatedAt: time.UnixMilli(1714557600123).UTC(),
	}
}

func TestDecodeTicket(t *testing.T) {
	good := EncodeTicket(ticket(99))
	got, err := DecodeTicket(good)
	require.NoError(t, err)
	assert.Equal(t, ticket(99), got)

	tests := []struct {
		name   string
		values map[string]any
	}{
		{name: "missing order id", values: map[string]any{"userID": "1", "itemID": "2", "createdAt": "3"}},
		{name: "not a number", values: map[string]any{"orderID": "x", "userID": "1", "itemID": "2", "createdAt": "3"}},
		{name: "wrong type", values: map[string]any{"orderID": 5, "userID": "1", "itemID": "2", "createdAt": "3"}},
		{name: "empty", values: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTicket(tt.values)
			assert.ErrorIs(t, err, ErrMalformedTicket)
		})
	}
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	s, _, _ := newStream(t)
	assert.NoError(t, s.EnsureGroup(context.Background()))
}

func TestReadNew_TimesOutEmpty(t *testing.T) {
	s, _, _ := newStream(t)

	msgs, err := s.ReadNew(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReadNew_PendingUntilAck(t *testing.T) {
	s, _, _ := newStream(t)
	ctx := context.Background()

	id, err := s.Append(ctx, ticket(1))
	require.NoError(t, err)

	msgs, err := s.ReadNew(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	require.NoError(t, msgs[0].Err)
	assert.Equal(t, ticket(1), msgs[0].Ticket)

	again, err := s.ReadNew(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again, "delivered entries are not handed out twice as new")

	pending, err := s.ReadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Ack(ctx, id))
	pending, err = s.ReadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeadLetter(t *testing.T) {
	s, rdb, _ := newStream(t)
	ctx := context.Background()

	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "stream.orders",
		Values: map[string]any{"orderID": "garbage"},
	}).Result()
	require.NoError(t, err)

	msgs, err := s.ReadNew(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.ErrorIs(t, msgs[0].Err, ErrMalformedTicket)

	require.NoError(t, s.DeadLetter(ctx, msgs[0], "malformed"))

	pending, err := s.ReadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	dead, err := rdb.XRange(ctx, "stream.orders.dead", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "malformed", dead[0].Values["reason"])
	assert.Equal(t, msgs[0].ID, dead[0].Values["sourceID"])
	assert.Equal(t, "garbage", dead[0].Values["orderID"])
}

func TestStream_StoreDown(t *testing.T) {
	s, _, mr := newStream(t)
	mr.Close()

	_, err := s.ReadPending(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
}
