package eventbus

import (
	"context"
	"sync"
)

// Transport moves opaque payloads between publishers and subscribers of a named channel.
// Delivery is best effort.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe streams payloads for channel until cancel is called or ctx ends.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	Close() error
}

const subscriberBuffer = 256

// forward pumps broker messages into a payload channel. A full subscriber drops messages
// rather than stalling the broker client.
func forward[T any](ctx context.Context, src <-chan T, payload func(T) []byte, stop func()) (<-chan []byte, func()) {
	out := make(chan []byte, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- payload(msg):
				default:
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			stop()
		})
	}
}
