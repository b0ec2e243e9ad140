package domain

import "time"

// RoomInfo is the API view of a room as seen from one instance.
type RoomInfo struct {
	Room            string        `json:"room"`
	Group           string        `json:"group"`
	ClientCount     int64         `json:"client_count"`
	LocalClients    int           `json:"local_clients"`
	State           PlaybackState `json:"state"`
	DriverRunning   bool          `json:"driver_running"`
	DriverStartedAt *time.Time    `json:"driver_started_at,omitempty"`
	InstanceID      string        `json:"instance_id"`
}
