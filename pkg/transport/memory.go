package transport

import (
	"context"
	"sync"
)

// MemoryTransport is an in-process Transport. A single instance is
// shared by every node under test; topics connect them the way the
// network fabric would.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

// NewMemoryTransport creates an empty in-process transport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs: make(map[string][]chan []byte),
	}
}

// Publish delivers data to every subscriber of topic. A copy is made
// per subscriber so receivers cannot alias each other's buffers.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportUnavailable
	}
	for _, ch := range t.subs[topic] {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case ch <- buf:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe joins topic. Each call gets its own buffered channel.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportUnavailable
	}
	ch := make(chan []byte, 256)
	t.subs[topic] = append(t.subs[topic], ch)
	return ch, nil
}

// Close shuts the transport down and closes all subscriber channels
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, chans := range t.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	t.subs = nil
	return nil
}
