// Package sequence mints 64-bit identifiers from a per-day Redis counter.
//
// An id is laid out as
//
//	| 31 bits seconds since Epoch | 32 bits daily counter |
//
// The counter key rotates every UTC day, so it never has to carry across day
// boundaries. Ids from the same scope are strictly increasing in call order
// within a process, even when the wall clock steps backwards: the clock is
// never allowed to run behind the last second this Generator issued.
package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/clock"
)

const (
	// Epoch is 2022-01-01T00:00:00Z in unix seconds.
	Epoch int64 = 1640995200

	CountBits = 32

	keyPrefix = "icr"
	dayLayout = "2006:01:02"
)

// Generator issues ids backed by Redis INCR.
type Generator struct {
	rdb   redis.Cmdable
	clock clock.Clock

	mu   sync.Mutex
	last map[string]int64 // latest unix second issued per scope
}

// NewGenerator returns a Generator on rdb. A nil clk uses the system clock.
func NewGenerator(rdb redis.Cmdable, clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Generator{rdb: rdb, clock: clk, last: make(map[string]int64)}
}

// second returns the unix second to issue for scope: now, or the last one
// issued if the clock went back.
func (g *Generator) second(scope string) int64 {
	now := g.clock.Now().Unix()
	g.mu.Lock()
	defer g.mu.Unlock()
	if last := g.last[scope]; now < last {
		return last
	}
	g.last[scope] = now
	return now
}

// NextID returns the next id for scope. A store failure is reported as
// apperr.ErrTransientUnavailable; no fallback id is ever produced.
func (g *Generator) NextID(ctx context.Context, scope string) (uint64, error) {
	now := time.Unix(g.second(scope), 0).UTC()
	elapsed := now.Unix() - Epoch
	if elapsed < 0 {
		return 0, errors.Newf("clock %s is before sequence epoch", now.Format(time.RFC3339))
	}

	count, err := g.rdb.Incr(ctx, Key(scope, now)).Result()
	if err != nil {
		return 0, apperr.Transient(err, "increment sequence counter")
	}
	if count >= 1<<CountBits {
		return 0, errors.Wrapf(apperr.ErrSequenceExhausted, "scope %q", scope)
	}
	return uint64(elapsed)<<CountBits | uint64(count), nil
}

// DailyCount reports how many ids were issued for scope on day.
func (g *Generator) DailyCount(ctx context.Context, scope string, day time.Time) (int64, error) {
	n, err := g.rdb.Get(ctx, Key(scope, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Transient(err, "read sequence counter")
	}
	return n, nil
}

// Key is the counter key for scope on the UTC day containing t.
func Key(scope string, t time.Time) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope, t.UTC().Format(dayLayout))
}

// Split returns the timestamp and counter encoded in id.
func Split(id uint64) (time.Time, uint32) {
	secs := int64(id>>CountBits) + Epoch
	return time.Unix(secs, 0).UTC(), uint32(id)
}
