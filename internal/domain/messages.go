package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Inbound message types.
const (
	MsgTypeStartMeeting = "start_meeting"
	MsgTypeUpdateState  = "update_state"
)

// Outbound message types.
const (
	MsgTypeInitialState   = "initial_state"
	MsgTypeSyncUpdate     = "sync_update"
	MsgTypeMeetingStarted = "meeting_started"
)

var ErrNotObject = errors.New("message is not a JSON object")

// InboundMessage is a decoded client frame. Raw keeps the frame exactly as
// received so it can be relayed without re-encoding.
type InboundMessage struct {
	Type   string
	Fields map[string]json.RawMessage
	Raw    []byte
}

// ParseInbound decodes a client frame. Only JSON objects are accepted. A
// missing or non-string "type" yields an empty Type.
func ParseInbound(raw []byte) (*InboundMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, ErrNotObject
	}

	msg := &InboundMessage{Fields: fields, Raw: raw}
	if t, ok := fields["type"]; ok {
		var s string
		if json.Unmarshal(t, &s) == nil {
			msg.Type = s
		}
	}
	return msg, nil
}

// StateUpdate decodes the playback fields of an update_state frame.
func (m *InboundMessage) StateUpdate() (StateUpdate, error) {
	var u StateUpdate
	for key, dst := range map[string]interface{}{
		"stopped":      &u.Stopped,
		"current_time": &u.CurrentTime,
		"speed":        &u.Speed,
	} {
		v, ok := m.Fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return StateUpdate{}, err
		}
	}
	return u, nil
}

type InitialStateMessage struct {
	Type  string        `json:"type"`
	State PlaybackState `json:"state"`
}

func NewInitialStateMessage(s PlaybackState) InitialStateMessage {
	return InitialStateMessage{Type: MsgTypeInitialState, State: s}
}

type SyncUpdateMessage struct {
	Type   string        `json:"type"`
	State  PlaybackState `json:"state"`
	SentAt float64       `json:"sent_at"`
}

// NewSyncUpdateMessage stamps s with sentAt as fractional unix seconds.
func NewSyncUpdateMessage(s PlaybackState, sentAt time.Time) SyncUpdateMessage {
	return SyncUpdateMessage{
		Type:   MsgTypeSyncUpdate,
		State:  s,
		SentAt: float64(sentAt.Unix()) + float64(sentAt.Nanosecond())/1e9,
	}
}

type MeetingStartedMessage struct {
	Type    string `json:"type"`
	Started bool   `json:"started"`
}

func NewMeetingStartedMessage() MeetingStartedMessage {
	return MeetingStartedMessage{Type: MsgTypeMeetingStarted, Started: true}
}
