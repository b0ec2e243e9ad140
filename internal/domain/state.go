package domain

import "time"

// PlaybackState is the shared playback clock of a room.
type PlaybackState struct {
	Stopped     bool    `json:"stopped"`
	CurrentTime float64 `json:"current_time"`
	Speed       float64 `json:"speed"`
}

// DefaultState is the state of a room nobody has touched yet.
func DefaultState() PlaybackState {
	return PlaybackState{Stopped: true, CurrentTime: 0, Speed: 1}
}

// Advance moves a running clock forward by one nominal period.
// Stopped states are returned unchanged. Speed is applied as is, negative
// values included.
func (s PlaybackState) Advance(period time.Duration) PlaybackState {
	if s.Stopped {
		return s
	}
	s.CurrentTime += period.Seconds() * s.Speed
	return s
}

// StateUpdate is a partial playback state. Nil fields are left untouched
// when merged.
type StateUpdate struct {
	Stopped     *bool    `json:"stopped,omitempty"`
	CurrentTime *float64 `json:"current_time,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`
}

// Empty reports whether the update carries no field at all.
func (u StateUpdate) Empty() bool {
	return u.Stopped == nil && u.CurrentTime == nil && u.Speed == nil
}

// Merge applies the present fields of u onto s.
func (s PlaybackState) Merge(u StateUpdate) PlaybackState {
	if u.Stopped != nil {
		s.Stopped = *u.Stopped
	}
	if u.CurrentTime != nil {
		s.CurrentTime = *u.CurrentTime
	}
	if u.Speed != nil {
		s.Speed = *u.Speed
	}
	return s
}
