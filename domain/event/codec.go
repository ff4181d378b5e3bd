package event

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"encoding/json"
	"fmt"
)

type faultFrame struct {
	Error string `json:"error"`
}

// Encode renders an event as the outbound JSON frame.
func Encode(e Event) ([]byte, error) {
	switch evt := e.(type) {
	case ChatMessage:
		return json.Marshal(domain.Envelope{Message: evt.Content})
	case ProtocolFault:
		return json.Marshal(faultFrame{Error: evt.Reason})
	default:
		return nil, fmt.Errorf("%w: %T", errors.ErrUnknownEvent, e)
	}
}

// Fields renders an event as a flat field map, used by transports with structured frames.
func Fields(e Event) (map[string]any, error) {
	switch evt := e.(type) {
	case ChatMessage:
		return map[string]any{"message": evt.Content}, nil
	case ProtocolFault:
		return map[string]any{"error": evt.Reason}, nil
	default:
		return nil, fmt.Errorf("%w: %T", errors.ErrUnknownEvent, e)
	}
}
