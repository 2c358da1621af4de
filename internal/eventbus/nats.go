package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport publishes on core NATS subjects named after the channel.
type NATSTransport struct {
	nc *nats.Conn
}

func NewNATSTransport(url string) (*NATSTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name("stepwise"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSTransport{nc: nc}, nil
}

func (t *NATSTransport) Publish(_ context.Context, channel string, payload []byte) error {
	if err := t.nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (t *NATSTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	msgs := make(chan *nats.Msg, subscriberBuffer)
	sub, err := t.nc.ChanSubscribe(channel, msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("nats subscribe: %w", err)
	}
	// Make sure the server registered the interest before the caller relies on it.
	if err := t.nc.FlushTimeout(2 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("nats flush: %w", err)
	}
	out, cancel := forward(ctx, msgs, func(m *nats.Msg) []byte {
		return m.Data
	}, func() { _ = sub.Unsubscribe() })
	return out, cancel, nil
}

func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}
