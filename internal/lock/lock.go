// Package lock implements TTL-bound leases on Redis. A lease is a key set
// with NX and PX holding a random owner token; release deletes the key only
// when the token still matches. A holder that crashes loses its lease when
// the TTL runs out.
package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/flash-sale/internal/apperr"
)

const keyPrefix = "lock:"

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker hands out named leases.
type Locker interface {
	// TryLock makes one non-blocking attempt. It returns
	// apperr.ErrLockNotAcquired when someone else holds the lease.
	TryLock(ctx context.Context, name string, ttl time.Duration) (*Lease, error)
}

// Lease is a held lock. Release it exactly once.
type Lease struct {
	rdb   redis.Cmdable
	key   string
	token string
}

// Key is the Redis key the lease holds.
func (l *Lease) Key() string { return l.key }

// Release drops the lease if it is still ours. Releasing a lease that
// already expired is not an error.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return apperr.Transient(err, "release lock "+l.key)
	}
	return nil
}

// RedisLocker is the Redis-backed Locker.
type RedisLocker struct {
	rdb redis.Cmdable
}

// NewRedisLocker returns a Locker whose leases live under "lock:<name>".
func NewRedisLocker(rdb redis.Cmdable) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// TryLock takes name for ttl without waiting. A held lease yields
// apperr.ErrLockNotAcquired.
func (r *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errors.Newf("lock %q: ttl must be positive", name)
	}
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, apperr.Transient(err, "acquire lock "+key)
	}
	if !ok {
		return nil, errors.Wrapf(apperr.ErrLockNotAcquired, "%s", key)
	}
	return &Lease{rdb: r.rdb, key: key, token: token}, nil
}

// WithLock runs fn while holding name. The lease is released after fn
// returns, whatever its outcome.
func WithLock(ctx context.Context, l Locker, name string, ttl time.Duration, fn func() error) (err error) {
	lease, err := l.TryLock(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
