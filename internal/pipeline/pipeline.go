// Package pipeline turns admitted tickets into persisted orders.
//
// One consumer goroutine reads the ticket stream through a consumer group.
// A ticket is acknowledged only after its order is persisted, or after it
// is known to exist already, so a crash between the two leaves the ticket
// on the consumer's pending list. The pending list is drained at startup
// and after every processing failure, retrying with backoff until it is
// empty.
//
// Order events are announced after the ack from a separate goroutine, so a
// slow or unreachable broker never holds a user's lease or the stream.
// Events are at most once: an order persisted just before a crash is not
// announced again by recovery.
package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/clock"
	"github.com/iliyamo/flash-sale/internal/lock"
	"github.com/iliyamo/flash-sale/internal/metrics"
	"github.com/iliyamo/flash-sale/internal/model"
	"github.com/iliyamo/flash-sale/internal/queue"
)

// OrderStore is the system of record for orders.
type OrderStore interface {
	Exists(ctx context.Context, userID, itemID uint64) (bool, error)
	// Create persists o and takes one unit of persisted stock. It returns
	// apperr.ErrPersistenceConflict for a duplicate (user, item) and
	// apperr.ErrStockExhausted when no stock is left.
	Create(ctx context.Context, o model.Order) error
}

// TicketStream is the consumer-group view of the ticket queue.
type TicketStream interface {
	EnsureGroup(ctx context.Context) error
	ReadNew(ctx context.Context, block time.Duration) ([]queue.Message, error)
	ReadPending(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, id string) error
	DeadLetter(ctx context.Context, msg queue.Message, reason string) error
}

// Options tunes a Pipeline. Zero values take the defaults below.
type Options struct {
	// BlockTimeout bounds each wait for new tickets.
	BlockTimeout time.Duration
	// LockTTL bounds the per-user lease held while persisting.
	LockTTL time.Duration
	// Backoff is the first pause after a failed pending drain; it doubles
	// up to BackoffMax.
	Backoff    time.Duration
	BackoffMax time.Duration
	// PublishTimeout bounds the best-effort order event.
	PublishTimeout time.Duration
	// PublishBuffer is how many events may wait for the publisher before
	// new ones are dropped.
	PublishBuffer int
}

func (o Options) withDefaults() Options {
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 2 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = 20 * time.Millisecond
	}
	if o.BackoffMax < o.Backoff {
		o.BackoffMax = time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	if o.PublishBuffer <= 0 {
		o.PublishBuffer = 256
	}
	return o
}

// Pipeline is the single logical consumer of the ticket stream.
type Pipeline struct {
	stream    TicketStream
	orders    OrderStore
	locker    lock.Locker
	publisher queue.Publisher
	clock     clock.Clock
	log       zerolog.Logger
	opts      Options
	events    chan model.Order
}

// New builds a Pipeline. A nil publisher drops order events.
func New(stream TicketStream, orders OrderStore, locker lock.Locker, publisher queue.Publisher,
	clk clock.Clock, log zerolog.Logger, opts Options) *Pipeline {
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	opts = opts.withDefaults()
	return &Pipeline{
		stream:    stream,
		orders:    orders,
		locker:    locker,
		publisher: publisher,
		clock:     clk,
		log:       log.With().Str("component", "order_pipeline").Logger(),
		opts:      opts,
		events:    make(chan model.Order, opts.PublishBuffer),
	}
}

// Run consumes until ctx is cancelled. Processing errors never stop it.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.ensureGroup(ctx) {
		return nil
	}
	p.log.Info().Msg("order pipeline started")

	announced := make(chan struct{})
	go func() {
		defer close(announced)
		p.announceLoop(ctx)
	}()
	defer func() { <-announced }()

	// Tickets delivered to this consumer before a restart.
	p.drainPending(ctx)

	for ctx.Err() == nil {
		msgs, err := p.stream.ReadNew(ctx, p.opts.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.log.Error().Err(err).Msg("read tickets failed, draining pending list")
			p.drainPending(ctx)
			continue
		}
		for _, m := range msgs {
			if err := p.process(ctx, m); err != nil {
				p.log.Error().Err(err).Str("message_id", m.ID).Msg("handle ticket failed, draining pending list")
				p.drainPending(ctx)
				break
			}
		}
	}
	p.log.Info().Msg("order pipeline stopped")
	return nil
}

// ensureGroup retries until the group exists. It reports false when ctx
// ends first.
func (p *Pipeline) ensureGroup(ctx context.Context) bool {
	backoff := p.opts.Backoff
	for {
		err := p.stream.EnsureGroup(ctx)
		if err == nil {
			return true
		}
		p.log.Warn().Err(err).Dur("retry_in", backoff).Msg("create consumer group failed")
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = p.nextBackoff(backoff)
	}
}

// drainPending reprocesses this consumer's unacknowledged tickets until
// the pending list is empty or ctx ends.
func (p *Pipeline) drainPending(ctx context.Context) {
	backoff := p.opts.Backoff
	for ctx.Err() == nil {
		msgs, err := p.stream.ReadPending(ctx)
		if err == nil && len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			if err = p.process(ctx, m); err != nil {
				break
			}
			metrics.RecordPendingRecovered()
			p.log.Info().Str("message_id", m.ID).Msg("pending ticket recovered")
		}
		if err == nil {
			backoff = p.opts.Backoff
			continue
		}

		p.log.Warn().Err(err).Dur("retry_in", backoff).Msg("pending ticket failed")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = p.nextBackoff(backoff)
	}
}

// process handles one delivery and settles it on the stream. A nil return
// means the message is no longer pending.
func (p *Pipeline) process(ctx context.Context, m queue.Message) error {
	if m.Err != nil {
		p.log.Error().Err(m.Err).Str("message_id", m.ID).Msg("undecodable ticket moved to dead letter")
		metrics.RecordTicket("dead_lettered")
		return p.stream.DeadLetter(ctx, m, "malformed")
	}

	created, err := p.handle(ctx, m.Ticket)
	switch {
	case err == nil:
		ackErr := p.stream.Ack(ctx, m.ID)
		if created != nil {
			p.announce(*created)
		}
		return ackErr
	case errors.Is(err, apperr.ErrStockExhausted):
		p.log.Error().Err(err).
			Str("message_id", m.ID).
			Uint64("order_id", m.Ticket.OrderID).
			Msg("persisted stock exhausted, ticket moved to dead letter")
		metrics.RecordTicket("dead_lettered")
		return p.stream.DeadLetter(ctx, m, "stock_exhausted")
	case errors.Is(err, apperr.ErrLockNotAcquired):
		metrics.RecordTicket("lock_busy")
		return err
	default:
		metrics.RecordTicket("failed")
		return err
	}
}

// handle persists the order for t at most once. It holds the user's lease
// for the duration and releases it before the caller acknowledges. The
// returned order is non-nil only when this call created it.
func (p *Pipeline) handle(ctx context.Context, t model.Ticket) (*model.Order, error) {
	lease, err := p.locker.TryLock(ctx, "order:"+strconv.FormatUint(t.UserID, 10), p.opts.LockTTL)
	if err != nil {
		if errors.Is(err, apperr.ErrLockNotAcquired) {
			p.log.Debug().Uint64("user_id", t.UserID).Msg("order lock busy, leaving ticket pending")
		}
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			p.log.Warn().Err(rerr).Uint64("user_id", t.UserID).Msg("release order lock failed")
		}
	}()

	exists, err := p.orders.Exists(ctx, t.UserID, t.ItemID)
	if err != nil {
		return nil, err
	}
	if exists {
		p.duplicate(t)
		return nil, nil
	}

	order := model.OrderFromTicket(t)
	if err := p.orders.Create(ctx, order); err != nil {
		if errors.Is(err, apperr.ErrPersistenceConflict) {
			p.duplicate(t)
			return nil, nil
		}
		return nil, err
	}

	metrics.RecordTicket("persisted")
	p.log.Info().
		Uint64("order_id", order.OrderID).
		Uint64("user_id", order.UserID).
		Uint64("item_id", order.ItemID).
		Msg("order persisted")
	return &order, nil
}

func (p *Pipeline) duplicate(t model.Ticket) {
	metrics.RecordTicket("duplicate")
	p.log.Info().
		Uint64("order_id", t.OrderID).
		Uint64("user_id", t.UserID).
		Uint64("item_id", t.ItemID).
		Msg("order already persisted, acknowledging duplicate delivery")
}

// announce queues the order event without waiting. A full buffer drops it.
func (p *Pipeline) announce(o model.Order) {
	select {
	case p.events <- o:
	default:
		metrics.RecordTicket("event_dropped")
		p.log.Warn().Uint64("order_id", o.OrderID).Msg("order event buffer full, event dropped")
	}
}

func (p *Pipeline) announceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(p.events); n > 0 {
				p.log.Warn().Int("events", n).Msg("order events not announced before shutdown")
			}
			return
		case o := <-p.events:
			p.publish(ctx, o)
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, o model.Order) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()
	if err := p.publisher.PublishOrderCreated(ctx, queue.NewOrderCreatedEvent(o, p.clock.Now())); err != nil {
		p.log.Warn().Err(err).Uint64("order_id", o.OrderID).Msg("publish order event failed")
	}
}

func (p *Pipeline) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > p.opts.BackoffMax {
		d = p.opts.BackoffMax
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
