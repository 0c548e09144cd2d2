package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 64

// MemoryBus is an in-process Bus. Publish never blocks: a message is dropped
// for a subscriber whose buffer is full.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string]map[*memorySubscription]struct{}
	closed     bool
	bufferSize int

	dropped atomic.Uint64
}

func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &MemoryBus{
		subs:       make(map[string]map[*memorySubscription]struct{}),
		bufferSize: bufferSize,
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)

		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		ch:      make(chan []byte, b.bufferSize),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every live subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	b.subs = nil
	return nil
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subs[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	s.closeLocked()
	return nil
}

func (s *memorySubscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
