package event

import (
	"chat-relay/domain"
	"time"

	"github.com/google/uuid"
)

// Event is the closed set of outbound events a connection can receive.
// Transports dispatch on the concrete type, never on a string tag.
type Event interface {
	RoomName() domain.RoomName
	isEvent()
}

// ChatMessage is the transient value fanned out to every member of a room.
type ChatMessage struct {
	ID      uuid.UUID
	Room    domain.RoomName
	Sender  domain.ConnectionID
	Content string
	At      time.Time
}

func (m ChatMessage) RoomName() domain.RoomName { return m.Room }
func (ChatMessage) isEvent()                    {}

// ProtocolFault is only ever delivered to the connection that sent a malformed frame.
type ProtocolFault struct {
	Room       domain.RoomName
	Connection domain.ConnectionID
	Reason     string
	At         time.Time
}

func (f ProtocolFault) RoomName() domain.RoomName { return f.Room }
func (ProtocolFault) isEvent()                    {}

func NewChatMessage(room domain.RoomName, sender domain.ConnectionID, content string) ChatMessage {
	return ChatMessage{
		ID:      uuid.New(),
		Room:    room,
		Sender:  sender,
		Content: content,
		At:      time.Now().UTC(),
	}
}
