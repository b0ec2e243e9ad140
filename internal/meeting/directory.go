package meeting

import (
	"context"
	"errors"

	"github.com/weiawesome/meeting-sync/internal/domain"
)

var ErrNotFound = errors.New("meeting not found")

// Directory decides whether an identity may join a room.
type Directory interface {
	// CanJoin returns ErrNotFound when the room is not a registered meeting.
	CanJoin(ctx context.Context, room string, id domain.Identity) (bool, error)
}

// AllowAll admits everyone to every room.
type AllowAll struct{}

func (AllowAll) CanJoin(ctx context.Context, room string, id domain.Identity) (bool, error) {
	return true, nil
}
