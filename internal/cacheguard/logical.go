package cacheguard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/lock"
	"github.com/iliyamo/flash-sale/internal/metrics"
)

// envelope is the stored layout for LogicalExpire. ExpireAt is unix millis.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	ExpireAt int64           `json:"expire_at"`
}

type entry[T any] struct {
	value    T
	expireAt time.Time
}

func (c *Cache[T]) getLogical(ctx context.Context, id string) (T, error) {
	var zero T
	e, ok, err := c.readEntry(ctx, id)
	if err != nil {
		return zero, err
	}
	if !ok {
		// Nothing to serve stale, so the first reader builds in line.
		metrics.RecordCacheRequest(c.opts.Entity, "miss")
		return c.shared(ctx, id, func(ctx context.Context) (T, error) {
			return c.rebuildWithLock(ctx, id, c.readStored)
		})
	}

	if c.clock.Now().Before(e.expireAt) {
		metrics.RecordCacheRequest(c.opts.Entity, "hit")
		return e.value, nil
	}
	metrics.RecordCacheRequest(c.opts.Entity, "stale")
	c.scheduleRebuild(ctx, id)
	return e.value, nil
}

// readEntry decodes the envelope at id. ok is false when the key is absent;
// the null marker yields apperr.ErrNotFound.
func (c *Cache[T]) readEntry(ctx context.Context, id string) (entry[T], bool, error) {
	var e entry[T]
	raw, err := c.rdb.Get(ctx, c.Key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return e, false, nil
	}
	if err != nil {
		return e, false, apperr.Transient(err, "read "+c.Key(id))
	}
	if raw == nullValue {
		metrics.RecordCacheRequest(c.opts.Entity, "null_hit")
		return e, true, errors.Wrapf(apperr.ErrNotFound, "%s %s", c.opts.Entity, id)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return e, false, errors.Wrapf(err, "decode %s", c.Key(id))
	}
	if err := json.Unmarshal(env.Data, &e.value); err != nil {
		return e, false, errors.Wrapf(err, "decode %s payload", c.Key(id))
	}
	e.expireAt = time.UnixMilli(env.ExpireAt)
	return e, true, nil
}

// readStored is the double check used while building an absent entry: any
// stored envelope, fresh or not, answers the read.
func (c *Cache[T]) readStored(ctx context.Context, id string) (T, bool, error) {
	e, ok, err := c.readEntry(ctx, id)
	return e.value, ok, err
}

// scheduleRebuild hands an expired entry to the rebuild pool if no other
// reader is already rebuilding it. It never blocks the caller on the
// system of record.
func (c *Cache[T]) scheduleRebuild(ctx context.Context, id string) {
	lease, err := c.locker.TryLock(ctx, c.lockName(id), c.opts.LockTTL)
	if err != nil {
		if !errors.Is(err, apperr.ErrLockNotAcquired) {
			c.log.Warn().Err(err).Str("id", id).Msg("rebuild lock unavailable, serving stale")
		}
		return
	}

	// Someone may have finished a rebuild between our read and the lock.
	if e, ok, err := c.readEntry(ctx, id); err == nil && ok && c.clock.Now().Before(e.expireAt) {
		c.release(lease, id)
		return
	}

	accepted := c.pool.Submit(func(poolCtx context.Context) {
		c.rebuildLogical(poolCtx, id, lease)
	})
	if !accepted {
		c.log.Warn().Str("id", id).Msg("rebuild pool saturated, serving stale")
		metrics.RecordCacheRebuild(c.opts.Entity, "dropped")
		c.release(lease, id)
	}
}

func (c *Cache[T]) rebuildLogical(ctx context.Context, id string, lease *lock.Lease) {
	defer c.release(lease, id)

	ctx, cancel := context.WithTimeout(ctx, c.opts.LockTTL)
	defer cancel()

	_, err := c.loadAndStore(ctx, id)
	switch {
	case err == nil:
		metrics.RecordCacheRebuild(c.opts.Entity, "ok")
		c.log.Debug().Str("id", id).Msg("logical entry rebuilt")
	case errors.Is(err, apperr.ErrNotFound):
		metrics.RecordCacheRebuild(c.opts.Entity, "not_found")
	default:
		metrics.RecordCacheRebuild(c.opts.Entity, "error")
		c.log.Error().Err(err).Str("id", id).Msg("logical rebuild failed, stale entry kept")
	}
}

func (c *Cache[T]) release(lease *lock.Lease, id string) {
	if err := lease.Release(context.Background()); err != nil {
		c.log.Warn().Err(err).Str("id", id).Msg("release rebuild lock failed")
	}
}
