package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/model"
)

// Ticket field names on the stream. The admission script writes the same
// names.
const (
	FieldOrderID   = "orderID"
	FieldUserID    = "userID"
	FieldItemID    = "itemID"
	FieldCreatedAt = "createdAt"

	fieldReason   = "reason"
	fieldSourceID = "sourceID"
)

// ErrMalformedTicket marks stream entries that cannot be decoded.
var ErrMalformedTicket = errors.New("malformed ticket")

// EncodeTicket flattens t into stream fields. CreatedAt is unix millis.
func EncodeTicket(t model.Ticket) map[string]any {
	return map[string]any{
		FieldOrderID:   strconv.FormatUint(t.OrderID, 10),
		FieldUserID:    strconv.FormatUint(t.UserID, 10),
		FieldItemID:    strconv.FormatUint(t.ItemID, 10),
		FieldCreatedAt: strconv.FormatInt(t.CreatedAt.UnixMilli(), 10),
	}
}

// DecodeTicket is the inverse of EncodeTicket.
func DecodeTicket(values map[string]any) (model.Ticket, error) {
	var (
		t   model.Ticket
		err error
	)
	if t.OrderID, err = uintField(values, FieldOrderID); err != nil {
		return model.Ticket{}, err
	}
	if t.UserID, err = uintField(values, FieldUserID); err != nil {
		return model.Ticket{}, err
	}
	if t.ItemID, err = uintField(values, FieldItemID); err != nil {
		return model.Ticket{}, err
	}
	ms, err := uintField(values, FieldCreatedAt)
	if err != nil {
		return model.Ticket{}, err
	}
	t.CreatedAt = time.UnixMilli(int64(ms)).UTC()
	return t, nil
}

func uintField(values map[string]any, name string) (uint64, error) {
	raw, ok := values[name]
	if !ok {
		return 0, errors.Wrapf(ErrMalformedTicket, "missing %s", name)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, errors.Wrapf(ErrMalformedTicket, "%s has type %T", name, raw)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "parse %s", name), ErrMalformedTicket)
	}
	return n, nil
}

// Message is one delivered stream entry. Err is set, and Ticket is zero,
// when the entry could not be decoded.
type Message struct {
	ID     string
	Values map[string]any
	Ticket model.Ticket
	Err    error
}

// StreamOptions names the stream, its consumer group and this consumer.
// DeadLetter defaults to Name + ".dead".
type StreamOptions struct {
	Name       string
	Group      string
	Consumer   string
	DeadLetter string
}

// Stream is a consumer-group view of the ticket stream for one consumer.
type Stream struct {
	rdb  redis.Cmdable
	opts StreamOptions
}

// NewStream returns a Stream on rdb. The group is not created until
// EnsureGroup.
func NewStream(rdb redis.Cmdable, opts StreamOptions) *Stream {
	if opts.DeadLetter == "" {
		opts.DeadLetter = opts.Name + ".dead"
	}
	return &Stream{rdb: rdb, opts: opts}
}

func (s *Stream) Name() string     { return s.opts.Name }
func (s *Stream) Consumer() string { return s.opts.Consumer }

// EnsureGroup creates the stream and its consumer group when missing.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.opts.Name, s.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return apperr.Transient(err, "create consumer group "+s.opts.Group)
	}
	return nil
}

// Append adds t to the stream outside the admission script.
func (s *Stream) Append(ctx context.Context, t model.Ticket) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.Name,
		Values: EncodeTicket(t),
	}).Result()
	if err != nil {
		return "", apperr.Transient(err, "append ticket")
	}
	return id, nil
}

// ReadNew waits up to block for one entry never delivered to the group.
// It returns no messages and no error when the wait times out.
func (s *Stream) ReadNew(ctx context.Context, block time.Duration) ([]Message, error) {
	if block <= 0 {
		block = time.Millisecond
	}
	return s.read(ctx, ">", block)
}

// ReadPending returns the oldest entry delivered to this consumer and not
// yet acknowledged.
func (s *Stream) ReadPending(ctx context.Context) ([]Message, error) {
	return s.read(ctx, "0", -1)
}

func (s *Stream) read(ctx context.Context, from string, block time.Duration) ([]Message, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  []string{s.opts.Name, from},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient(err, "read stream "+s.opts.Name)
	}

	var out []Message
	for _, st := range streams {
		for _, m := range st.Messages {
			msg := Message{ID: m.ID, Values: m.Values}
			msg.Ticket, msg.Err = DecodeTicket(m.Values)
			out = append(out, msg)
		}
	}
	return out, nil
}

// Ack removes id from this consumer's pending list.
func (s *Stream) Ack(ctx context.Context, id string) error {
	if err := s.rdb.XAck(ctx, s.opts.Name, s.opts.Group, id).Err(); err != nil {
		return apperr.Transient(err, "ack "+id)
	}
	return nil
}

// DeadLetter copies msg to the dead-letter stream with reason and acks the
// original, in one transaction.
func (s *Stream) DeadLetter(ctx context.Context, msg Message, reason string) error {
	values := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values[fieldReason] = reason
	values[fieldSourceID] = msg.ID

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{Stream: s.opts.DeadLetter, Values: values})
		p.XAck(ctx, s.opts.Name, s.opts.Group, msg.ID)
		return nil
	})
	if err != nil {
		return apperr.Transient(err, "dead-letter "+msg.ID)
	}
	return nil
}

// PendingCount reports how many entries the group has delivered without
// acknowledgement.
func (s *Stream) PendingCount(ctx context.Context) (int64, error) {
	res, err := s.rdb.XPending(ctx, s.opts.Name, s.opts.Group).Result()
	if err != nil {
		return 0, apperr.Transient(err, "pending summary")
	}
	return res.Count, nil
}
