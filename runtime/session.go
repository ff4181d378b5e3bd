package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/observability"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type SessionState int32

const (
	Connecting SessionState = iota
	Open
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason tells why a session ended, for logs only.
type CloseReason string

const (
	ReasonClientClosed    CloseReason = "client_closed"
	ReasonTransportError  CloseReason = "transport_error"
	ReasonHandshakeFailed CloseReason = "handshake_failed"
	ReasonServerShutdown  CloseReason = "server_shutdown"
)

// SessionController drives the lifecycle of every connection:
// open registers the membership, messages are fanned out, close deregisters.
type SessionController struct {
	log         *slog.Logger
	registry    contract.IRegistry
	broadcaster contract.IBroadcaster
	moderator   contract.IModerator
	monitor     *observability.Monitor

	// live sessions by connection, only walked on shutdown
	sessions sync.Map

	// Open holds the read side for the whole registration, Shutdown the write side to flip closed
	mu     sync.RWMutex
	closed bool
}

func NewSessionController(log *slog.Logger, registry contract.IRegistry,
	broadcaster contract.IBroadcaster, monitor *observability.Monitor) *SessionController {
	return &SessionController{
		log:         log,
		registry:    registry,
		broadcaster: broadcaster,
		monitor:     monitor,
	}
}

// WithModerator censors every message content before it is fanned out.
func (c *SessionController) WithModerator(moderator contract.IModerator) *SessionController {
	c.moderator = moderator
	return c
}

// Session is the handle a transport keeps for one connection.
type Session struct {
	controller *SessionController
	id         domain.ConnectionID
	room       domain.RoomName
	sink       contract.EventSink
	state      atomic.Int32
}

func (s *Session) ID() domain.ConnectionID { return s.id }
func (s *Session) Room() domain.RoomName   { return s.room }
func (s *Session) State() SessionState     { return SessionState(s.state.Load()) }

// Open validates the room and registers the connection in it.
// The transport must only accept the connection once Open returned without error,
// an invalid room never reaches the registry.
// Once Shutdown has started, Open fails with errors.ErrShuttingDown.
func (c *SessionController) Open(_ context.Context, id domain.ConnectionID, rawRoom string,
	sink contract.EventSink) (*Session, error) {
	room, err := domain.ParseRoomName(rawRoom)
	if err != nil {
		c.monitor.RoomRejected()
		c.log.Debug("Connection rejected", "connection_id", id, "error", err)
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.log.Debug("Connection refused during shutdown", "connection_id", id, "room", room)
		return nil, errors.ErrShuttingDown
	}

	session := &Session{controller: c, id: id, room: room, sink: sink}
	session.state.Store(int32(Connecting))

	c.registry.Join(room, id, sink)
	session.state.Store(int32(Open))
	c.sessions.Store(id, session)

	c.monitor.SessionOpened()
	c.log.Debug("Session opened", "connection_id", id, "room", room)
	return session, nil
}

// Message parses an inbound frame and fans it out to the room.
// A malformed frame is reported to this connection only and leaves the room untouched.
// Delivery failures of other members are never returned to the sender.
func (s *Session) Message(ctx context.Context, raw []byte) (contract.DeliveryReport, error) {
	c := s.controller
	if s.State() != Open {
		return contract.DeliveryReport{}, errors.ErrSessionClosed
	}

	envelope, err := domain.ParseEnvelope(raw)
	if err != nil {
		return contract.DeliveryReport{}, s.Fault(ctx, err)
	}

	content := envelope.Message
	if c.moderator != nil {
		var words []string
		content, words = c.moderator.Censor(content)
		if len(words) > 0 {
			c.log.Info("Message censored", "connection_id", s.id, "room", s.room, "words", len(words))
		}
	}

	// Peers keep receiving the message even if the sender goes away mid fan-out
	fanoutCtx := context.WithoutCancel(ctx)
	return c.broadcaster.Broadcast(fanoutCtx, event.NewChatMessage(s.room, s.id, content)), nil
}

// Fault reports an unusable inbound frame back to this connection only.
// The returned error always wraps errors.ErrProtocol.
func (s *Session) Fault(ctx context.Context, cause error) error {
	c := s.controller
	if !stderrors.Is(cause, errors.ErrProtocol) {
		cause = fmt.Errorf("%w: %w", errors.ErrProtocol, cause)
	}
	c.monitor.ProtocolError()
	c.log.Debug("Malformed frame", "connection_id", s.id, "room", s.room, "error", cause)
	fault := event.ProtocolFault{Room: s.room, Connection: s.id, Reason: cause.Error(), At: time.Now().UTC()}
	if err := s.sink.Consume(ctx, fault); err != nil {
		c.log.Debug("Protocol fault not delivered", "connection_id", s.id, "error", err)
	}
	return cause
}

// Close leaves the room exactly once, whatever the number of callers.
// It returns true for the call that performed the transition.
func (s *Session) Close(reason CloseReason) bool {
	if !s.state.CompareAndSwap(int32(Open), int32(Closed)) {
		return false
	}
	c := s.controller
	c.registry.Leave(s.room, s.id)
	c.sessions.Delete(s.id)

	c.monitor.SessionClosed()
	c.log.Debug("Session closed", "connection_id", s.id, "room", s.room, "reason", reason)
	return true
}

// Shutdown refuses new sessions then closes every live one, used when the server stops.
// Registrations already in flight complete before the sweep starts.
func (c *SessionController) Shutdown() int {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	closed := 0
	c.sessions.Range(func(_, value any) bool {
		if value.(*Session).Close(ReasonServerShutdown) {
			closed++
		}
		return true
	})
	c.log.Info("Sessions closed on shutdown", "count", closed)
	return closed
}

// IsProtocolError reports whether err comes from a malformed inbound frame.
func IsProtocolError(err error) bool {
	return stderrors.Is(err, errors.ErrProtocol)
}
