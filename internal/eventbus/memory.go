package eventbus

import (
	"context"
	"strings"
	"sync"
)

// MemoryTransport fans payloads out to in-process subscribers.
type MemoryTransport struct {
	mu          sync.Mutex
	nextSubID   int
	subscribers map[string]map[int]chan []byte
	closed      bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subscribers: make(map[string]map[int]chan []byte)}
}

func (m *MemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *MemoryTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	channel = strings.TrimSpace(channel)
	m.mu.Lock()
	if m.closed || channel == "" {
		m.mu.Unlock()
		ch := make(chan []byte)
		close(ch)
		return ch, func() {}, nil
	}
	m.nextSubID++
	id := m.nextSubID
	ch := make(chan []byte, subscriberBuffer)
	if _, ok := m.subscribers[channel]; !ok {
		m.subscribers[channel] = make(map[int]chan []byte)
	}
	m.subscribers[channel][id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[channel]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, channel)
		}
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}
	return ch, cancel, nil
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for channel, subs := range m.subscribers {
		for _, c := range subs {
			close(c)
		}
		delete(m.subscribers, channel)
	}
	return nil
}
