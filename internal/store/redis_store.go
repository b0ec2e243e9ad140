package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/meeting-sync/internal/domain"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// redisStore implements StateStore using Redis.
type redisStore struct {
	client *redis.Client
}

var _ StateStore = (*redisStore)(nil)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a new Redis-backed state store.
func NewRedisStore(cfg RedisConfig) (StateStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &redisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes it.
func NewRedisStoreFromClient(client *redis.Client) StateStore {
	return &redisStore{client: client}
}

func (s *redisStore) IncrPresence(ctx context.Context, room string) (int64, error) {
	n, err := s.client.Incr(ctx, presenceKey(room)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr presence %s: %w", room, err)
	}
	return n, nil
}

func (s *redisStore) DecrPresence(ctx context.Context, room string) (int64, error) {
	n, err := s.client.Decr(ctx, presenceKey(room)).Result()
	if err != nil {
		return 0, fmt.Errorf("decr presence %s: %w", room, err)
	}
	return n, nil
}

func (s *redisStore) GetPresence(ctx context.Context, room string) (int64, error) {
	n, err := s.client.Get(ctx, presenceKey(room)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get presence %s: %w", room, err)
	}
	return n, nil
}

func (s *redisStore) GetState(ctx context.Context, room string) (domain.PlaybackState, error) {
	val, err := s.client.Get(ctx, stateKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.PlaybackState{}, ErrNotFound
	}
	if err != nil {
		return domain.PlaybackState{}, fmt.Errorf("get state %s: %w", room, err)
	}
	return decodeState(room, val)
}

func (s *redisStore) SetState(ctx context.Context, room string, state domain.PlaybackState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, stateKey(room), data, 0).Err(); err != nil {
		return fmt.Errorf("set state %s: %w", room, err)
	}
	return nil
}

func (s *redisStore) InitState(ctx context.Context, room string, state domain.PlaybackState) (bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, stateKey(room), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("init state %s: %w", room, err)
	}
	return ok, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func decodeState(room, val string) (domain.PlaybackState, error) {
	var state domain.PlaybackState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return domain.PlaybackState{}, fmt.Errorf("decode state %s: %w", room, err)
	}
	return state, nil
}
