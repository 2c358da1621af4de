package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPTransport publishes to a topic exchange keyed by channel. Every subscriber binds its own
// exclusive auto-delete queue.
type AMQPTransport struct {
	conn     *amqp.Connection
	exchange string

	pubMu sync.Mutex
	pub   *amqp.Channel
}

func NewAMQPTransport(url, exchange string) (*AMQPTransport, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		exchange = "stepwise.threads"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare amqp exchange: %w", err)
	}
	return &AMQPTransport{conn: conn, exchange: exchange, pub: ch}, nil
}

func (t *AMQPTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	err := t.pub.PublishWithContext(ctx, t.exchange, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (t *AMQPTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("declare amqp queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, channel, t.exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("bind amqp queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume amqp queue: %w", err)
	}
	out, cancel := forward(ctx, deliveries, func(d amqp.Delivery) []byte {
		return d.Body
	}, func() { _ = ch.Close() })
	return out, cancel, nil
}

func (t *AMQPTransport) Close() error {
	t.pubMu.Lock()
	_ = t.pub.Close()
	t.pubMu.Unlock()
	return t.conn.Close()
}
