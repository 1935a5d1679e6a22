package bus

import (
	"context"
	"sync"
)

// MemoryBus delivers messages synchronously to in-process subscribers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]memorySub
	nextID int
	closed bool
}

type memorySub struct {
	filter  string
	handler Handler
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]memorySub)}
}

// Publish delivers payload to every matching subscriber before returning.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrTransportNotConnected
	}
	var targets []Handler
	for _, s := range b.subs {
		if Match(s.filter, topic) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(topic, append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe registers h for filter.
func (b *MemoryBus) Subscribe(filter string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrTransportNotConnected
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = memorySub{filter: filter, handler: h}
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]memorySub)
	return nil
}
