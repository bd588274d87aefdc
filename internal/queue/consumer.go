package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AuditConsumer reads order.created events and writes one structured log
// line per order. It reconnects with backoff until ctx is cancelled.
type AuditConsumer struct {
	url   string
	queue string
	log   zerolog.Logger
}

// NewAuditConsumer returns a consumer that logs every event on queue.
func NewAuditConsumer(url, queue string, log zerolog.Logger) *AuditConsumer {
	return &AuditConsumer{
		url:   url,
		queue: queue,
		log:   log.With().Str("component", "order_audit").Logger(),
	}
}

// Run blocks until ctx is cancelled. Broker failures are logged and retried.
func (a *AuditConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(a.url)
		if err != nil {
			a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("dial broker failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = a.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn().Err(err).Msg("consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (a *AuditConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		a.log.Warn().Err(err).Msg("set qos failed")
	}
	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare queue %s", a.queue)
	}
	msgs, err := ch.Consume(a.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", a.queue)
	}

	// Closing the channel ends the deliveries range below.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Close()
		case <-done:
		}
	}()

	for d := range msgs {
		ev, err := decodeOrderCreated(d.Body)
		if err != nil {
			a.log.Error().Err(err).Str("message_id", d.MessageId).Msg("drop undecodable event")
			_ = d.Nack(false, false)
			continue
		}
		a.log.Info().
			Uint64("order_id", ev.OrderID).
			Uint64("user_id", ev.UserID).
			Uint64("item_id", ev.ItemID).
			Str("admitted_at", ev.AdmittedAt).
			Str("persisted_at", ev.PersistedAt).
			Msg("order created")
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

func decodeOrderCreated(body []byte) (OrderCreatedEvent, error) {
	var ev OrderCreatedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return OrderCreatedEvent{}, errors.Wrap(err, "unmarshal order event")
	}
	if ev.OrderID == 0 {
		return OrderCreatedEvent{}, errors.New("order event without order_id")
	}
	return ev, nil
}

// sleep waits for d and reports false if ctx ended first.
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
