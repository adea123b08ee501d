package bus

import (
	"context"
	"sync"
)

const memoryBufferSize = 256

// MemoryBroker is an in-process Transport. Several Bridges sharing one
// broker behave like separate processes sharing a channel.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish copies payload to every current subscription of channel. It waits
// for room in a subscriber's buffer rather than dropping.
func (m *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(m.subs[channel]))
	for sub := range m.subs[channel] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe attaches a new subscription to channel.
func (m *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		broker:  m,
		channel: channel,
		ch:      make(chan []byte, memoryBufferSize),
		done:    make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Ping reports whether the broker is still open.
func (m *MemoryBroker) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close detaches every subscription.
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memorySubscription
	for _, set := range m.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.subs = make(map[string]map[*memorySubscription]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (m *MemoryBroker) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, sub.channel)
		}
	}
}

type memorySubscription struct {
	broker   *MemoryBroker
	channel  string
	ch       chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
