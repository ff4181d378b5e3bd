package domain

import (
	"chat-relay/errors"
	"encoding/json"
	"fmt"
)

// Envelope is the inbound wire contract: {"message": "<text>"}.
type Envelope struct {
	Message string `json:"message"`
}

type rawEnvelope struct {
	Message *json.RawMessage `json:"message"`
}

// ParseEnvelope decodes an inbound frame.
// Unknown fields are ignored, anything else than an object holding a string
// "message" field is a protocol error.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errors.ErrProtocol, err)
	}
	if env.Message == nil {
		return Envelope{}, fmt.Errorf("%w: missing message field", errors.ErrProtocol)
	}
	var message string
	if err := json.Unmarshal(*env.Message, &message); err != nil {
		return Envelope{}, fmt.Errorf("%w: message must be a string", errors.ErrProtocol)
	}
	return Envelope{Message: message}, nil
}
