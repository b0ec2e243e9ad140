package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/meeting-sync/internal/domain"
)

type backend struct {
	name string
	open func(t *testing.T) (StateStore, func(key string) (string, bool))
}

func backends() []backend {
	return []backend{
		{
			name: "redis",
			open: func(t *testing.T) (StateStore, func(string) (string, bool)) {
				mr := miniredis.RunT(t)
				s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
				t.Cleanup(func() { s.Close() })
				return s, func(key string) (string, bool) {
					v, err := mr.Get(key)
					return v, err == nil
				}
			},
		},
		{
			name: "memory",
			open: func(t *testing.T) (StateStore, func(string) (string, bool)) {
				s := NewMemoryStore()
				return s, s.Raw
			},
		},
	}
}

func TestPresenceCounter(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, _ := b.open(t)
			ctx := context.Background()

			if n, err := s.GetPresence(ctx, "alpha"); err != nil || n != 0 {
				t.Fatalf("GetPresence on empty room = %d, %v", n, err)
			}

			const k = 20
			var wg sync.WaitGroup
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.IncrPresence(ctx, "alpha"); err != nil {
						t.Error(err)
					}
				}()
			}
			wg.Wait()

			if n, _ := s.GetPresence(ctx, "alpha"); n != k {
				t.Fatalf("after %d incr: %d", k, n)
			}

			var last int64
			for i := 0; i < k; i++ {
				n, err := s.DecrPresence(ctx, "alpha")
				if err != nil {
					t.Fatal(err)
				}
				last = n
			}
			if last != 0 {
				t.Fatalf("after %d decr: %d", k, last)
			}

			// Transient negatives are allowed.
			if n, _ := s.DecrPresence(ctx, "alpha"); n != -1 {
				t.Fatalf("negative decr = %d", n)
			}
		})
	}
}

func TestStateRoundTripAndKeys(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, raw := b.open(t)
			ctx := context.Background()

			if _, err := s.GetState(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetState on empty = %v", err)
			}

			want := domain.PlaybackState{Stopped: false, CurrentTime: 12.5, Speed: 2}
			if err := s.SetState(ctx, "alpha", want); err != nil {
				t.Fatal(err)
			}
			got, err := s.GetState(ctx, "alpha")
			if err != nil || got != want {
				t.Fatalf("GetState = %+v, %v", got, err)
			}

			text, ok := raw("video_state:meeting_alpha")
			if !ok || text != `{"stopped":false,"current_time":12.5,"speed":2}` {
				t.Errorf("stored %q (%v)", text, ok)
			}

			if _, err := s.IncrPresence(ctx, "alpha"); err != nil {
				t.Fatal(err)
			}
			if b.name == "redis" {
				if v, ok := raw("room:alpha:client_count"); !ok || v != "1" {
					t.Errorf("presence key = %q (%v)", v, ok)
				}
			}
		})
	}
}

func TestLoadStateCreatesDefault(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, raw := b.open(t)
			ctx := context.Background()

			got, err := LoadState(ctx, s, "fresh")
			if err != nil {
				t.Fatal(err)
			}
			if got != domain.DefaultState() {
				t.Errorf("LoadState = %+v", got)
			}
			if _, ok := raw("video_state:meeting_fresh"); !ok {
				t.Error("default state not persisted")
			}

			// Existing state is never overwritten.
			existing := domain.PlaybackState{CurrentTime: 7, Speed: 1}
			if err := s.SetState(ctx, "fresh", existing); err != nil {
				t.Fatal(err)
			}
			if created, _ := s.InitState(ctx, "fresh", domain.DefaultState()); created {
				t.Error("InitState overwrote existing state")
			}
			if got, _ := LoadState(ctx, s, "fresh"); got != existing {
				t.Errorf("LoadState = %+v, want %+v", got, existing)
			}
		})
	}
}

func TestCorruptStateIsAnError(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()

	mr.Set("video_state:meeting_bad", "not json")
	if _, err := s.GetState(context.Background(), "bad"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("GetState = %v", err)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	defer s.Close()
	mr.Close()

	if _, err := s.IncrPresence(context.Background(), "alpha"); err == nil {
		t.Fatal("expected error with server down")
	}
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.SetState(ctx, "alpha", domain.DefaultState()); !errors.Is(err, context.Canceled) {
		t.Fatalf("SetState = %v", err)
	}
	if _, ok := s.Raw("video_state:meeting_alpha"); ok {
		t.Fatal("write happened on cancelled context")
	}
}
