package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/samma/market-engine/internal/model"
)

// DefaultExchange is the topic exchange notifications are published to.
// Routing keys are "notification.<type>".
const DefaultExchange = "notifications"

// Publisher is the part of *amqp.Channel the notifier uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes notifications to RabbitMQ for out-of-process
// delivery (email, push).
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       Publisher
	exchange string
}

// DialAMQP connects to RabbitMQ and declares the durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

// NewAMQPNotifier wraps an existing publisher.
func NewAMQPNotifier(p Publisher, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPNotifier{ch: p, exchange: exchange}
}

func (a *AMQPNotifier) Notify(ctx context.Context, n *model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return a.ch.PublishWithContext(ctx, a.exchange, "notification."+string(n.Type), false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.ID,
			Timestamp:    n.CreatedAt,
			Body:         body,
		})
}

// Close closes the underlying connection, if this notifier opened one.
func (a *AMQPNotifier) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
