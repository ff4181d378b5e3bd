// Package domain contains core concepts of the relay.
// This file defines room identifiers and the rules a room name must follow
// before it is allowed anywhere near the registry.
package domain

import (
	"chat-relay/errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// GroupPrefix namespaces rooms on the channel layer.
// Group names must stay below 100 characters, hence the 94 characters limit on rooms.
const GroupPrefix = "chat_"

var (
	roomPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	validate    = newValidator()
)

// RoomName is a validated room identifier, safe to use as a map key or a channel name.
type RoomName string

type roomRequest struct {
	Name string `validate:"required,max=94,roomname"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("roomname", func(fl validator.FieldLevel) bool {
		return roomPattern.MatchString(fl.Field().String())
	})
	return v
}

// ParseRoomName restricts raw room identifiers (usually a path segment)
// to ASCII letters, digits, hyphens, underscores and periods.
func ParseRoomName(raw string) (RoomName, error) {
	if err := validate.Struct(roomRequest{Name: raw}); err != nil {
		return "", fmt.Errorf("%w: %q", errors.ErrInvalidRoom, raw)
	}
	return RoomName(raw), nil
}

// Group returns the channel-layer group name of the room.
func (r RoomName) Group() string {
	return GroupPrefix + string(r)
}

func (r RoomName) String() string {
	return string(r)
}
