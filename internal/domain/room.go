package domain

import (
	"errors"
	"regexp"
	"strings"
)

// GroupPrefix prefixes every room's broadcast group identity.
const GroupPrefix = "meeting_"

var ErrInvalidRoomName = errors.New("invalid room name")

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Room identifies a meeting room and its broadcast group.
type Room struct {
	Name  string
	Group string
}

// NewRoom validates name and derives the room's group identity.
func NewRoom(name string) (Room, error) {
	if !roomNamePattern.MatchString(name) {
		return Room{}, ErrInvalidRoomName
	}
	return Room{Name: name, Group: GroupName(name)}, nil
}

// GroupName returns the broadcast group identity of a room.
func GroupName(room string) string {
	return GroupPrefix + room
}

// RoomFromGroup is the inverse of GroupName.
func RoomFromGroup(group string) (Room, error) {
	name, ok := strings.CutPrefix(group, GroupPrefix)
	if !ok {
		return Room{}, ErrInvalidRoomName
	}
	return NewRoom(name)
}
