package domain

import "github.com/google/uuid"

// ConnectionID identifies one live client connection for its whole lifetime.
type ConnectionID string

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

func (c ConnectionID) String() string {
	return string(c)
}
