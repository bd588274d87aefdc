package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/flash-sale/internal/apperr"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb), mr
}

func TestTryLock_Exclusive(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	lease, err := l.TryLock(ctx, "order:42", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "lock:order:42", lease.Key())
	assert.True(t, mr.Exists("lock:order:42"))

	_, err = l.TryLock(ctx, "order:42", time.Second)
	assert.ErrorIs(t, err, apperr.ErrLockNotAcquired)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("lock:order:42"))

	again, err := l.TryLock(ctx, "order:42", time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestTryLock_ExpiresWithTTL(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	_, err := l.TryLock(ctx, "item:7", 500*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(time.Second)

	lease, err := l.TryLock(ctx, "item:7", time.Second)
	require.NoError(t, err, "an abandoned lease must not block forever")
	require.NoError(t, lease.Release(ctx))
}

func TestRelease_DoesNotDropForeignLease(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	stale, err := l.TryLock(ctx, "item:7", 500*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(time.Second)

	current, err := l.TryLock(ctx, "item:7", time.Second)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("lock:item:7"), "expired holder released someone else's lease")

	require.NoError(t, current.Release(ctx))
	assert.False(t, mr.Exists("lock:item:7"))
}

func TestTryLock_RejectsZeroTTL(t *testing.T) {
	l, _ := newLocker(t)
	_, err := l.TryLock(context.Background(), "x", 0)
	assert.Error(t, err)
}

func TestTryLock_StoreDown(t *testing.T) {
	l, mr := newLocker(t)
	mr.Close()

	_, err := l.TryLock(context.Background(), "x", time.Second)
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
}

func TestWithLock(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithLock(ctx, l, "order:1", time.Second, func() error {
		assert.True(t, mr.Exists("lock:order:1"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:order:1"), "lease released after fn fails")

	_, err = l.TryLock(ctx, "order:1", time.Second)
	require.NoError(t, err)
	err = WithLock(ctx, l, "order:1", time.Second, func() error {
		t.Fatal("fn must not run without the lease")
		return nil
	})
	assert.ErrorIs(t, err, apperr.ErrLockNotAcquired)
}
