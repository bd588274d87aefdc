// Package seckill decides who may buy a limited-stock item. The decision
// and the stock reservation run as one Lua script on Redis, so concurrent
// callers are linearized by the server and partial outcomes are impossible.
//
// Admission is time-agnostic. Sale windows are checked by the caller.
package seckill

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/clock"
	"github.com/iliyamo/flash-sale/internal/metrics"
)

// Outcome of one admission attempt. Rejections are results, not errors.
type Outcome int

const (
	Accepted Outcome = iota
	OutOfStock
	DuplicateAttempt
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case OutOfStock:
		return "out_of_stock"
	case DuplicateAttempt:
		return "duplicate_attempt"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the decision for one attempt.
type Result struct {
	Outcome Outcome
	// OrderID is set only when Outcome is Accepted.
	OrderID uint64
}

// Script return codes.
const (
	codeAccepted  = 0
	codeNoStock   = 1
	codeDuplicate = 2
	codeNoSale    = 3
)

// KEYS[1] stock counter, KEYS[2] set of admitted users, KEYS[3] ticket stream.
// ARGV: itemID, userID, orderID, createdAt (unix ms).
// The marker is checked first so a winner retrying after the last unit is
// gone still learns it already holds a ticket.
var admitScript = redis.NewScript(`
local stock = redis.call('GET', KEYS[1])
if not stock then
	return 3
end
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
	return 2
end
if tonumber(stock) <= 0 then
	return 1
end
redis.call('DECR', KEYS[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('XADD', KEYS[3], '*',
	'orderID', ARGV[3],
	'userID', ARGV[2],
	'itemID', ARGV[1],
	'createdAt', ARGV[4])
return 0
`)

// IDGenerator mints order ids.
type IDGenerator interface {
	NextID(ctx context.Context, scope string) (uint64, error)
}

// Options names the stream and sequence scope. Empty fields take the
// defaults "stream.orders" and "order".
type Options struct {
	// Stream receives one ticket per accepted attempt.
	Stream string
	// Scope is the sequence scope for order ids.
	Scope string
}

// Admission runs the admission script against Redis.
type Admission struct {
	rdb   redis.Cmdable
	ids   IDGenerator
	clock clock.Clock
	log   zerolog.Logger
	opts  Options
}

// NewAdmission returns an Admission that mints order ids from ids.
func NewAdmission(rdb redis.Cmdable, ids IDGenerator, clk clock.Clock, log zerolog.Logger, opts Options) *Admission {
	if opts.Stream == "" {
		opts.Stream = "stream.orders"
	}
	if opts.Scope == "" {
		opts.Scope = "order"
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Admission{
		rdb:   rdb,
		ids:   ids,
		clock: clk,
		log:   log.With().Str("component", "admission").Logger(),
		opts:  opts,
	}
}

// StockKey holds the unsold stock of itemID.
func StockKey(itemID uint64) string { return fmt.Sprintf("seckill:stock:%d", itemID) }

// AdmittedKey is the set of users admitted for itemID.
func AdmittedKey(itemID uint64) string { return fmt.Sprintf("seckill:order:%d", itemID) }

// TryAdmit reserves one unit of itemID for userID. On acceptance the ticket
// is already on the stream when TryAdmit returns. An item with no loaded
// stock yields apperr.ErrActivityNotFound; Redis failures yield
// apperr.ErrTransientUnavailable.
func (a *Admission) TryAdmit(ctx context.Context, itemID, userID uint64) (Result, error) {
	// The id is minted up front so the script stays a single round trip.
	// Ids burned by rejected attempts leave gaps, which is fine.
	orderID, err := a.ids.NextID(ctx, a.opts.Scope)
	if err != nil {
		return Result{}, err
	}

	keys := []string{StockKey(itemID), AdmittedKey(itemID), a.opts.Stream}
	code, err := admitScript.Run(ctx, a.rdb, keys,
		itemID, userID, orderID, a.clock.Now().UnixMilli()).Int()
	if err != nil {
		return Result{}, apperr.Transient(err, "run admission script")
	}

	var res Result
	switch code {
	case codeAccepted:
		res = Result{Outcome: Accepted, OrderID: orderID}
	case codeNoStock:
		res = Result{Outcome: OutOfStock}
	case codeDuplicate:
		res = Result{Outcome: DuplicateAttempt}
	case codeNoSale:
		metrics.RecordAdmission("no_activity")
		return Result{}, errors.Wrapf(apperr.ErrActivityNotFound, "no stock loaded for item %d", itemID)
	default:
		return Result{}, errors.Newf("admission script returned unknown code %d", code)
	}

	metrics.RecordAdmission(res.Outcome.String())
	a.log.Debug().
		Uint64("item_id", itemID).
		Uint64("user_id", userID).
		Uint64("order_id", res.OrderID).
		Stringer("outcome", res.Outcome).
		Msg("admission decided")
	return res, nil
}

// KEYS[1] stock counter, KEYS[2] set of admitted users. ARGV[1] total stock.
// Users admitted by an earlier publication keep their marker and their unit.
var loadStockScript = redis.NewScript(`
local remaining = tonumber(ARGV[1]) - redis.call('SCARD', KEYS[2])
if remaining < 0 then
	remaining = 0
end
redis.call('SET', KEYS[1], remaining)
return remaining
`)

// LoadStock seeds the stock counter when an activity is published. stock is
// the total for the sale: users already admitted for itemID stay admitted
// and are subtracted, so publishing again never re-admits a buyer.
func (a *Admission) LoadStock(ctx context.Context, itemID uint64, stock int) error {
	if stock < 0 {
		return errors.Newf("stock %d for item %d is negative", stock, itemID)
	}
	remaining, err := loadStockScript.Run(ctx, a.rdb,
		[]string{StockKey(itemID), AdmittedKey(itemID)}, stock).Int64()
	if err != nil {
		return apperr.Transient(err, "load stock")
	}
	a.log.Info().
		Uint64("item_id", itemID).
		Int("stock", stock).
		Int64("remaining", remaining).
		Msg("stock loaded")
	return nil
}

// Remaining reads the stock counter. It returns apperr.ErrActivityNotFound
// when no stock was loaded for itemID.
func (a *Admission) Remaining(ctx context.Context, itemID uint64) (int64, error) {
	n, err := a.rdb.Get(ctx, StockKey(itemID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, errors.Wrapf(apperr.ErrActivityNotFound, "item %d", itemID)
	}
	if err != nil {
		return 0, apperr.Transient(err, "read stock")
	}
	return n, nil
}

// Admitted reports how many users hold a ticket for itemID.
func (a *Admission) Admitted(ctx context.Context, itemID uint64) (int64, error) {
	n, err := a.rdb.SCard(ctx, AdmittedKey(itemID)).Result()
	if err != nil {
		return 0, apperr.Transient(err, "count admitted users")
	}
	return n, nil
}
