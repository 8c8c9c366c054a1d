package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/psds-microservice/session-reservation-service/pkg/events"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPBridge fans lifecycle events out through a RabbitMQ fanout exchange so
// every instance delivers them to its own WebSocket subscribers.
type AMQPBridge struct {
	url      string
	exchange string
	hub      *Hub
	log      *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPBridge creates a bridge. Call Connect before use, Close when done.
func NewAMQPBridge(url, exchange string, hub *Hub, log *zap.Logger) *AMQPBridge {
	return &AMQPBridge{url: url, exchange: exchange, hub: hub, log: log}
}

// Connect dials the broker and declares the exchange.
func (b *AMQPBridge) Connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(b.exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	b.mu.Lock()
	b.conn, b.channel = conn, ch
	b.mu.Unlock()
	return nil
}

// Publish sends ev to the exchange. When the broker is unavailable the event
// is still delivered to local subscribers and the error is returned.
func (b *AMQPBridge) Publish(ctx context.Context, ev events.Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return err
	}
	b.mu.Lock()
	ch := b.channel
	if ch != nil {
		err = ch.Publish(b.exchange, "", false, false, amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   ev.Timestamp,
			Body:        body,
		})
	}
	b.mu.Unlock()
	if ch == nil {
		err = fmt.Errorf("amqp: not connected")
	}
	if err != nil {
		b.log.Warn("amqp publish failed, delivering locally", zap.String("event", ev.Event), zap.Error(err))
		_ = b.hub.Publish(ctx, ev)
		return err
	}
	return nil
}

// Run consumes the exchange through an exclusive queue and feeds the hub
// until ctx is cancelled or the channel closes.
func (b *AMQPBridge) Run(ctx context.Context) error {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("amqp: not connected")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	b.log.Info("amqp lifecycle consumer started", zap.String("exchange", b.exchange), zap.String("queue", q.Name))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp: delivery channel closed")
			}
			ev, err := events.Unmarshal(d.Body)
			if err != nil {
				b.log.Warn("amqp: bad lifecycle message", zap.Error(err))
				continue
			}
			_ = b.hub.Publish(ctx, ev)
		}
	}
}

// Close closes the channel and the connection.
func (b *AMQPBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel != nil {
		b.channel.Close()
		b.channel = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
