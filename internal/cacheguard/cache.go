// Package cacheguard serves hot, rarely written entities from Redis while
// keeping concurrent misses and lookups for missing rows away from the
// system of record.
//
// Three strategies are available per entity class:
//
//   - NullCaching writes through on a miss and caches "not found" as an
//     empty string with a short TTL.
//   - MutexRebuild lets one reader per key rebuild under a short lease while
//     the others sleep and retry.
//   - LogicalExpire keeps the entry forever and embeds its own expiry; reads
//     never wait, and expired entries are rebuilt by a worker pool.
//
// Writers never update an entry. They write the system of record first and
// then call Invalidate.
package cacheguard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/clock"
	"github.com/iliyamo/flash-sale/internal/lock"
	"github.com/iliyamo/flash-sale/internal/metrics"
)

// Strategy selects how a miss or an expired entry is rebuilt.
type Strategy string

const (
	NullCaching   Strategy = "null"
	MutexRebuild  Strategy = "mutex"
	LogicalExpire Strategy = "logical"
)

// ParseStrategy maps a config value onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case NullCaching:
		return NullCaching, nil
	case MutexRebuild:
		return MutexRebuild, nil
	case LogicalExpire:
		return LogicalExpire, nil
	}
	return "", errors.Newf("unknown cache strategy %q", s)
}

// nullValue marks a key whose row does not exist.
const nullValue = ""

// Loader reads one entity from the system of record. It returns
// apperr.ErrNotFound when the row does not exist.
type Loader[T any] func(ctx context.Context, id string) (T, error)

// Options configures a Cache. Zero values take the defaults in
// withDefaults.
type Options struct {
	// Entity names the class, for keys and metrics ("item", "activity").
	Entity   string
	Prefix   string
	Strategy Strategy

	TTL           time.Duration
	NullTTL       time.Duration
	LockTTL       time.Duration
	RetryInterval time.Duration
	MaxRetries    int
	LogicalTTL    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "cache"
	}
	if o.Strategy == "" {
		o.Strategy = MutexRebuild
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
	if o.NullTTL <= 0 {
		o.NullTTL = 2 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 100
	}
	if o.LogicalTTL <= 0 {
		o.LogicalTTL = 20 * time.Second
	}
	return o
}

// Cache guards reads of one entity class.
type Cache[T any] struct {
	rdb    redis.Cmdable
	locker lock.Locker
	load   Loader[T]
	pool   *RebuildPool
	clock  clock.Clock
	log    zerolog.Logger
	opts   Options
	flight singleflight.Group
}

// New builds a Cache. pool is required only for LogicalExpire.
func New[T any](rdb redis.Cmdable, locker lock.Locker, load Loader[T], pool *RebuildPool, clk clock.Clock, log zerolog.Logger, opts Options) (*Cache[T], error) {
	opts = opts.withDefaults()
	if opts.Entity == "" {
		return nil, errors.New("cacheguard: entity name is required")
	}
	if opts.Strategy == LogicalExpire && pool == nil {
		return nil, errors.New("cacheguard: logical expiration needs a rebuild pool")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Cache[T]{
		rdb:    rdb,
		locker: locker,
		load:   load,
		pool:   pool,
		clock:  clk,
		log:    log.With().Str("component", "cacheguard").Str("entity", opts.Entity).Logger(),
		opts:   opts,
	}, nil
}

func (c *Cache[T]) Strategy() Strategy { return c.opts.Strategy }

// Key is the Redis key holding id.
func (c *Cache[T]) Key(id string) string {
	return fmt.Sprintf("%s:%s:%s", c.opts.Prefix, c.opts.Entity, id)
}

func (c *Cache[T]) lockName(id string) string {
	return c.opts.Entity + ":" + id
}

// Get returns the entity for id, or apperr.ErrNotFound.
func (c *Cache[T]) Get(ctx context.Context, id string) (T, error) {
	switch c.opts.Strategy {
	case LogicalExpire:
		return c.getLogical(ctx, id)
	case MutexRebuild:
		return c.getMutex(ctx, id)
	default:
		return c.getPassThrough(ctx, id)
	}
}

// Invalidate drops the cached entry. Call it after the system of record
// has been written.
func (c *Cache[T]) Invalidate(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, c.Key(id)).Err(); err != nil {
		return apperr.Transient(err, "invalidate "+c.Key(id))
	}
	return nil
}

// Warm loads id from the system of record and writes it to the cache now.
func (c *Cache[T]) Warm(ctx context.Context, id string) error {
	_, err := c.loadAndStore(ctx, id)
	return err
}

func (c *Cache[T]) getPassThrough(ctx context.Context, id string) (T, error) {
	if v, ok, err := c.readPlain(ctx, id); ok || err != nil {
		return v, err
	}
	metrics.RecordCacheRequest(c.opts.Entity, "miss")
	return c.loadAndStore(ctx, id)
}

// readPlain returns ok=true when the cache answered, with either a value or
// apperr.ErrNotFound for the null marker.
func (c *Cache[T]) readPlain(ctx context.Context, id string) (T, bool, error) {
	var zero T
	raw, err := c.rdb.Get(ctx, c.Key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, apperr.Transient(err, "read "+c.Key(id))
	}
	if raw == nullValue {
		metrics.RecordCacheRequest(c.opts.Entity, "null_hit")
		return zero, true, errors.Wrapf(apperr.ErrNotFound, "%s %s", c.opts.Entity, id)
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return zero, false, errors.Wrapf(err, "decode %s", c.Key(id))
	}
	metrics.RecordCacheRequest(c.opts.Entity, "hit")
	return v, true, nil
}

// loadAndStore reads the system of record and writes the result in the
// layout of the configured strategy.
func (c *Cache[T]) loadAndStore(ctx context.Context, id string) (T, error) {
	var zero T
	v, err := c.load(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		if werr := c.rdb.Set(ctx, c.Key(id), nullValue, c.opts.NullTTL).Err(); werr != nil {
			c.log.Warn().Err(werr).Str("id", id).Msg("write null marker failed")
		}
		return zero, errors.Wrapf(apperr.ErrNotFound, "%s %s", c.opts.Entity, id)
	}
	if err != nil {
		return zero, apperr.Transient(err, "load "+c.opts.Entity+" "+id)
	}

	payload, err := c.encode(v)
	if err != nil {
		return zero, err
	}
	ttl := c.opts.TTL
	if c.opts.Strategy == LogicalExpire {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, c.Key(id), payload, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("id", id).Msg("write cache entry failed")
	}
	return v, nil
}

func (c *Cache[T]) encode(v T) ([]byte, error) {
	if c.opts.Strategy != LogicalExpire {
		b, err := json.Marshal(v)
		return b, errors.Wrapf(err, "encode %s", c.opts.Entity)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", c.opts.Entity)
	}
	b, err := json.Marshal(envelope{
		Data:     data,
		ExpireAt: c.clock.Now().Add(c.opts.LogicalTTL).UnixMilli(),
	})
	return b, errors.Wrapf(err, "encode %s envelope", c.opts.Entity)
}
