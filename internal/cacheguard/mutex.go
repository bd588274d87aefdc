package cacheguard

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/metrics"
)

// getMutex serves a miss by letting a single reader rebuild under a lease.
// Readers in this process share one attempt through singleflight; readers
// in other processes spin on the Redis lease.
func (c *Cache[T]) getMutex(ctx context.Context, id string) (T, error) {
	if v, ok, err := c.readPlain(ctx, id); ok || err != nil {
		return v, err
	}
	metrics.RecordCacheRequest(c.opts.Entity, "miss")

	return c.shared(ctx, id, func(ctx context.Context) (T, error) {
		return c.rebuildWithLock(ctx, id, c.readPlain)
	})
}

// shared runs fn once for all concurrent readers of id in this process.
// fn is detached from the first caller's cancellation and bounded by the
// longest a rebuild may legitimately take; each caller stops waiting when
// its own ctx ends.
func (c *Cache[T]) shared(ctx context.Context, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := c.flight.DoChan(c.Key(id), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout())
		defer cancel()
		return fn(fctx)
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, apperr.Transient(ctx.Err(), "wait for "+c.opts.Entity+" "+id)
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (c *Cache[T]) flightTimeout() time.Duration {
	return c.opts.LockTTL + time.Duration(c.opts.MaxRetries)*c.opts.RetryInterval
}

type readFunc[T any] func(ctx context.Context, id string) (T, bool, error)

// rebuildWithLock spins until either the cache answers or this caller holds
// the rebuild lease. read is the strategy's cache reader, used for the
// double check once the lease is held.
func (c *Cache[T]) rebuildWithLock(ctx context.Context, id string, read readFunc[T]) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		lease, err := c.locker.TryLock(ctx, c.lockName(id), c.opts.LockTTL)
		if err == nil {
			v, err := c.rebuildHeld(ctx, id, read)
			c.release(lease, id)
			return v, err
		}
		if !errors.Is(err, apperr.ErrLockNotAcquired) {
			return zero, err
		}
		if attempt >= c.opts.MaxRetries {
			return zero, errors.Wrapf(apperr.ErrTransientUnavailable,
				"%s %s still rebuilding after %d retries", c.opts.Entity, id, attempt)
		}

		t := time.NewTimer(c.opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, apperr.Transient(ctx.Err(), "wait for "+c.opts.Entity+" "+id)
		case <-t.C:
		}

		if v, ok, err := read(ctx, id); ok || err != nil {
			return v, err
		}
	}
}

func (c *Cache[T]) rebuildHeld(ctx context.Context, id string, read readFunc[T]) (T, error) {
	if v, ok, err := read(ctx, id); ok || err != nil {
		return v, err
	}
	v, err := c.loadAndStore(ctx, id)
	switch {
	case err == nil:
		metrics.RecordCacheRebuild(c.opts.Entity, "ok")
	case errors.Is(err, apperr.ErrNotFound):
		metrics.RecordCacheRebuild(c.opts.Entity, "not_found")
	default:
		metrics.RecordCacheRebuild(c.opts.Entity, "error")
	}
	return v, err
}
