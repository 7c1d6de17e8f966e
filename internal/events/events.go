// Package events publishes domain events once the state they describe has
// been committed.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeOrderPlaced      = "order.placed"
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentRefunded  = "payment.refunded"
)

// Event is a domain event. Key selects the partition, so events of one
// order stay ordered.
type Event struct {
	Type    string
	Key     string
	Payload []byte
	Time    time.Time
}

// New builds an event whose payload is the object written by fn.
func New(typ, key string, fn func(e *jx.Encoder)) Event {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("type", func(e *jx.Encoder) { e.Str(typ) })
		e.Field("key", func(e *jx.Encoder) { e.Str(key) })
		e.Field("data", func(e *jx.Encoder) { e.Obj(fn) })
	})
	return Event{
		Type:    typ,
		Key:     key,
		Payload: e.Bytes(),
		Time:    time.Now().UTC(),
	}
}

// Publisher delivers events. Delivery failures are logged and never
// returned: the committed record is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, ...Event) {}

// Kafka publishes events to a single topic.
type Kafka struct {
	w       *kafka.Writer
	brokers []string
}

// NewKafka creates a Kafka publisher for the given brokers and topic.
func NewKafka(brokers []string, topic string) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Kafka{w: w, brokers: brokers}
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	msgs := make([]kafka.Message, len(events))
	for i, ev := range events {
		msgs[i] = kafka.Message{
			Key:     []byte(ev.Key),
			Value:   ev.Payload,
			Time:    ev.Time,
			Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
		}
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		zctx.From(ctx).Warn("Publish events",
			zap.Error(err),
			zap.Int("count", len(events)),
			zap.String("type", events[0].Type),
		)
	}
}

// Ping succeeds when any broker accepts a connection.
func (k *Kafka) Ping(ctx context.Context) error {
	err := errors.New("no brokers configured")
	for _, addr := range k.brokers {
		conn, dialErr := kafka.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			err = dialErr
			continue
		}
		return conn.Close()
	}
	return errors.Wrap(err, "dial kafka")
}

// Close flushes pending messages and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
