package pubsub

import (
	"context"
	"errors"
	"path"
	"sync"

	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
)

// ErrClosed is returned when publishing on a closed MemoryPubSub.
var ErrClosed = errors.New("pubsub closed")

type memorySubscription struct {
	id      uint64
	key     string
	pattern bool
	ch      chan *Event
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, err := path.Match(s.key, channel)
	return err == nil && ok
}

func (s *memorySubscription) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// MemoryPubSub is an in-process PubSub. It serves single-instance
// deployments and tests; it never crosses process boundaries. Any number of
// subscribers may share a channel or pattern, each getting its own copy.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID uint64
	closed bool
}

var _ PubSub = (*MemoryPubSub)(nil)

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[uint64]*memorySubscription)}
}

// Publish delivers the event to every matching subscription. Delivery never
// blocks: a subscriber whose buffer is full misses the event.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	for _, s := range m.subs {
		if !s.matches(channel) {
			continue
		}
		cp := *event
		select {
		case s.ch <- &cp:
		default:
			l := pkglog.Component("pubsub.memory")
			l.Warn().
				Str("subscription", s.key).
				Str("type", event.Type).
				Msg("subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	sub := &memorySubscription{
		id:      m.nextID,
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	m.subs[sub.id] = sub

	go func() {
		select {
		case <-ctx.Done():
			m.remove(sub)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

func (m *MemoryPubSub) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub.id)
	sub.close()
}

// Unsubscribe removes every subscription made with channel as its channel
// or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subs {
		if sub.key == channel {
			delete(m.subs, id)
			sub.close()
		}
	}
	return nil
}

// Close closes every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for id, sub := range m.subs {
		sub.close()
		delete(m.subs, id)
	}
	return nil
}
