package service

import (
	"context"

	"github.com/weiawesome/meeting-sync/internal/broadcast"
	"github.com/weiawesome/meeting-sync/internal/domain"
	"github.com/weiawesome/meeting-sync/internal/hub"
	"github.com/weiawesome/meeting-sync/pkg/pubsub"
)

// SyncService defines the meeting sync business logic.
type SyncService interface {
	// HandleConnect joins the client's room group, counts it in the room's
	// presence and sends it the current playback state.
	HandleConnect(ctx context.Context, c *hub.Client) error

	// HandleMessage dispatches one inbound frame. Frames that cannot be
	// handled are logged and dropped; nothing is ever sent back as an error.
	HandleMessage(ctx context.Context, c *hub.Client, raw []byte)

	// HandleDisconnect leaves the group, uncounts the client and stops the
	// room's driver when the room became empty.
	HandleDisconnect(ctx context.Context, c *hub.Client) error

	// HandleControl applies a driver coordination event from another instance.
	HandleControl(ctx context.Context, ev *pubsub.Event)

	// GetRoomInfo returns presence, playback state and driver status.
	GetRoomInfo(ctx context.Context, room domain.Room) (*domain.RoomInfo, error)

	// GetState returns the room's playback state without creating it.
	GetState(ctx context.Context, room domain.Room) (domain.PlaybackState, error)

	// Health checks the state store.
	Health(ctx context.Context) error
}

// Fanout is the group messaging the service needs, including the
// cross-instance control channel.
type Fanout interface {
	broadcast.Broadcaster
	PublishControl(ctx context.Context, group, eventType string, payload interface{}) error
	InstanceID() string
}

var _ Fanout = (*broadcast.Bus)(nil)
