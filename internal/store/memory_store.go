package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/weiawesome/meeting-sync/internal/domain"
)

// MemoryStore is an in-process StateStore for single-instance deployments
// and tests. Values are kept as JSON text like in Redis.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
	values   map[string]string
}

var _ StateStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]int64),
		values:   make(map[string]string),
	}
}

func (m *MemoryStore) IncrPresence(ctx context.Context, room string) (int64, error) {
	return m.add(ctx, room, 1)
}

func (m *MemoryStore) DecrPresence(ctx context.Context, room string) (int64, error) {
	return m.add(ctx, room, -1)
}

func (m *MemoryStore) add(ctx context.Context, room string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := presenceKey(room)
	m.counters[key] += delta
	return m.counters[key], nil
}

func (m *MemoryStore) GetPresence(ctx context.Context, room string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[presenceKey(room)], nil
}

func (m *MemoryStore) GetState(ctx context.Context, room string) (domain.PlaybackState, error) {
	if err := ctx.Err(); err != nil {
		return domain.PlaybackState{}, err
	}
	m.mu.Lock()
	val, ok := m.values[stateKey(room)]
	m.mu.Unlock()
	if !ok {
		return domain.PlaybackState{}, ErrNotFound
	}
	return decodeState(room, val)
}

func (m *MemoryStore) SetState(ctx context.Context, room string, state domain.PlaybackState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[stateKey(room)] = string(data)
	return nil
}

func (m *MemoryStore) InitState(ctx context.Context, room string, state domain.PlaybackState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey(room)
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = string(data)
	return true, nil
}

// Raw returns the stored text under key. Tests use it to assert the key layout.
func (m *MemoryStore) Raw(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		return v, true
	}
	return "", false
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	return nil
}
