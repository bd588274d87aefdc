package queue

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher announces persisted orders. Callers treat failures as best
// effort: the order is already durable.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, ev OrderCreatedEvent) error
}

// NopPublisher drops every event. It is used when RabbitMQ is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishOrderCreated(context.Context, OrderCreatedEvent) error { return nil }

// AMQPPublisher publishes persistent JSON messages to a durable queue on the
// default exchange. The connection is opened lazily and reopened after the
// broker drops it.
type AMQPPublisher struct {
	url   string
	queue string
	log   zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher returns a publisher for queue on the broker at url. No
// connection is made until the first event.
func NewAMQPPublisher(url, queue string, log zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:   url,
		queue: queue,
		log:   log.With().Str("component", "amqp_publisher").Logger(),
	}
}

// PublishOrderCreated sends ev as a persistent message. ctx bounds the
// whole call, including a reconnect.
func (p *AMQPPublisher) PublishOrderCreated(ctx context.Context, ev OrderCreatedEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal order event")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    orderMessageID(ev.OrderID),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
		p.resetLocked()
		return errors.Wrapf(err, "publish to %s", p.queue)
	}
	return nil
}

// channel returns an open channel with the queue declared. p.mu is held.
func (p *AMQPPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      dialContext(ctx),
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare queue %s", p.queue)
	}
	p.conn, p.ch = conn, ch
	p.log.Info().Str("queue", p.queue).Msg("rabbitmq channel opened")
	return ch, nil
}

// dialContext bounds the TCP connect and the AMQP handshake by ctx. The
// client clears the deadline once the connection is open.
func dialContext(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close drops the connection. A later publish reconnects.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func orderMessageID(orderID uint64) string {
	return "order-" + strconv.FormatUint(orderID, 10)
}
