package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher sends events to a durable topic exchange. The routing key is
// the event type, so consumers can bind to "escrow.*" and the like.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *Publisher) PublishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, key, b, time.Now())
}

// PublishRaw sends an already encoded JSON body.
func (p *Publisher) PublishRaw(ctx context.Context, key string, body []byte, at time.Time) error {
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    at,
		Type:         key,
		Body:         body,
	})
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// RawPublisher is the transport a Forwarder writes to.
type RawPublisher interface {
	PublishRaw(ctx context.Context, key string, body []byte, at time.Time) error
}

// Forwarder mirrors every bus event to an external broker. Broker
// failures are logged and never fail the publishing operation.
type Forwarder struct {
	out     RawPublisher
	logger  *zerolog.Logger
	timeout time.Duration
}

func NewForwarder(out RawPublisher, logger *zerolog.Logger) *Forwarder {
	return &Forwarder{out: out, logger: logger, timeout: 5 * time.Second}
}

// Attach subscribes the forwarder to all events on bus.
func (f *Forwarder) Attach(bus *EventBus) {
	bus.SubscribeAll(f.handle)
}

func (f *Forwarder) handle(event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.out.PublishRaw(ctx, event.Type, event.Payload, event.CreatedAt); err != nil {
		f.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to forward event to broker")
	}
	return nil
}
