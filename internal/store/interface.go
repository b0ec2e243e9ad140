package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/meeting-sync/internal/domain"
)

// ErrNotFound is returned by GetState when a room has no stored state.
var ErrNotFound = errors.New("state not found")

// StateStore holds the cross-process room data: presence counters and the
// serialized playback state. Every call may block on the network and honours
// ctx.
type StateStore interface {
	// IncrPresence atomically increments the room's client counter and
	// returns the new value.
	IncrPresence(ctx context.Context, room string) (int64, error)

	// DecrPresence atomically decrements the room's client counter and
	// returns the new value. The result may be negative.
	DecrPresence(ctx context.Context, room string) (int64, error)

	// GetPresence returns the room's client counter, 0 when unset.
	GetPresence(ctx context.Context, room string) (int64, error)

	// GetState returns the room's playback state or ErrNotFound.
	GetState(ctx context.Context, room string) (domain.PlaybackState, error)

	// SetState overwrites the room's playback state.
	SetState(ctx context.Context, room string, state domain.PlaybackState) error

	// InitState stores state only if the room has none yet and reports
	// whether it did.
	InitState(ctx context.Context, room string, state domain.PlaybackState) (bool, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// Key layout shared by every backend:
// room:{room}:client_count          INT     - connected clients across all instances
// video_state:meeting_{room}        STRING  - JSON playback state

func presenceKey(room string) string {
	return fmt.Sprintf("room:%s:client_count", room)
}

func stateKey(room string) string {
	return fmt.Sprintf("video_state:%s", domain.GroupName(room))
}

// LoadState returns the room's playback state, storing and returning the
// default state when the room has none.
func LoadState(ctx context.Context, s StateStore, room string) (domain.PlaybackState, error) {
	state, err := s.GetState(ctx, room)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.PlaybackState{}, err
	}

	def := domain.DefaultState()
	created, err := s.InitState(ctx, room, def)
	if err != nil {
		return domain.PlaybackState{}, err
	}
	if created {
		return def, nil
	}
	// Another session initialised it in between.
	return s.GetState(ctx, room)
}
