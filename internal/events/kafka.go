// Package events publishes order lifecycle events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/keychain-shop/internal/domain/order"
)

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ order.Publisher = (*Publisher)(nil)

// Publisher writes order events as JSON messages keyed by order ID, so every
// event of one order lands on the same partition.
type Publisher struct {
	w       Writer
	timeout time.Duration
}

// NewWriter creates a kafka.Writer for the given brokers and topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// NewPublisher wraps w. timeout bounds each write; zero means no bound
// beyond the caller's context.
func NewPublisher(w Writer, timeout time.Duration) *Publisher {
	return &Publisher{w: w, timeout: timeout}
}

// Publish encodes e and writes it.
func (p *Publisher) Publish(ctx context.Context, e order.Event) error {
	if e.Order == nil {
		return errors.New("event without order")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(e.Order.ID),
		Value: Encode(e),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write %s for order %s", e.Type, e.Order.ID)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// Encode renders e as JSON.
func Encode(e order.Event) []byte {
	o := e.Order
	var enc jx.Encoder
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("type", func(enc *jx.Encoder) { enc.Str(string(e.Type)) })
		enc.Field("orderId", func(enc *jx.Encoder) { enc.Str(o.ID) })
		enc.Field("customerId", func(enc *jx.Encoder) {
			if o.CustomerID == nil {
				enc.Null()
				return
			}
			enc.Int64(*o.CustomerID)
		})
		enc.Field("status", func(enc *jx.Encoder) { enc.Str(string(o.Status)) })
		enc.Field("total", func(enc *jx.Encoder) { enc.Str(o.Total.StringFixed(2)) })
		enc.Field("createdAt", func(enc *jx.Encoder) { enc.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano)) })
		enc.Field("lines", func(enc *jx.Encoder) {
			enc.Arr(func(enc *jx.Encoder) {
				for _, l := range o.Lines {
					enc.Obj(func(enc *jx.Encoder) {
						enc.Field("productId", func(enc *jx.Encoder) {
							if l.ProductID == nil {
								enc.Null()
								return
							}
							enc.Int64(*l.ProductID)
						})
						enc.Field("quantity", func(enc *jx.Encoder) { enc.Int(l.Quantity) })
						enc.Field("unitPrice", func(enc *jx.Encoder) { enc.Str(l.UnitPrice.StringFixed(2)) })
						enc.Field("subtotal", func(enc *jx.Encoder) { enc.Str(l.Subtotal.StringFixed(2)) })
					})
				}
			})
		})
	})
	return enc.Bytes()
}
