package pubsub

import (
	"fmt"
	"time"
)

// Channel naming conventions. Every channel is scoped to a broadcast group.
const (
	// Fan-out of group messages to every instance holding members of the group.
	ChannelGroupSync = "meeting:room:%s:sync"

	// Driver coordination between instances.
	ChannelGroupControl = "meeting:room:%s:control"
)

// Patterns matching every group's channels.
const (
	PatternGroupSync    = "meeting:room:*:sync"
	PatternGroupControl = "meeting:room:*:control"
)

// Event types carried on the sync channel.
const (
	EventGroupMessage = "group_message"
)

// Event types carried on the control channel.
const (
	EventDriverStarted = "driver_started"
	EventRoomEmpty     = "room_empty"
)

// SyncChannel returns the fan-out channel for a group.
func SyncChannel(group string) string {
	return fmt.Sprintf(ChannelGroupSync, group)
}

// ControlChannel returns the driver coordination channel for a group.
func ControlChannel(group string) string {
	return fmt.Sprintf(ChannelGroupControl, group)
}

// GroupMessagePayload wraps a frame addressed to every member of a group.
// Message is base64 on the wire, so any frame, valid UTF-8 or not, reaches
// sockets byte-for-byte.
type GroupMessagePayload struct {
	Message []byte `json:"message"`
}

// DriverStartedPayload announces that an instance now runs the group's driver.
type DriverStartedPayload struct {
	DriverID  string    `json:"driver_id"`
	StartedAt time.Time `json:"started_at"`
}

// RoomEmptyPayload announces that the group's presence counter dropped to zero.
type RoomEmptyPayload struct {
	Count int64 `json:"count"`
}
