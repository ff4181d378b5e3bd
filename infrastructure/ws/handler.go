package ws

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/runtime"
	"chat-relay/sink"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
)

const (
	Route               = "/ws/chat/{room}/"
	defaultWriteTimeout = 5 * time.Second
)

type Options struct {
	BufferSize     int
	MaxMessageSize int64
	OriginPatterns []string
	WriteTimeout   time.Duration
}

// Handler is the WebSocket transport of the relay.
// One connection joins the room named in its path for its whole life.
type Handler struct {
	log        *slog.Logger
	controller *runtime.SessionController
	opts       Options
}

func NewHandler(log *slog.Logger, controller *runtime.SessionController, opts Options) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Handler{log: log, controller: controller, opts: opts}
}

// Register mounts the chat route on the router.
func (h *Handler) Register(router *mux.Router) {
	router.Handle(Route, h).Methods(http.MethodGet)
}

// ServeHTTP opens the session before the upgrade: a connection for an invalid
// room is refused with a plain 400 and never becomes a member, one arriving
// during shutdown gets a 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := domain.NewConnectionID()
	connSink := sink.NewConnectionSink(h.opts.BufferSize)
	defer connSink.Close()

	session, err := h.controller.Open(r.Context(), id, mux.Vars(r)["room"], connSink)
	if err != nil {
		code := http.StatusBadRequest
		if stderrors.Is(err, errors.ErrShuttingDown) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		session.Close(runtime.ReasonHandshakeFailed)
		h.log.Warn("Handshake failed", "connection_id", id, "error", err)
		return
	}
	if h.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(h.opts.MaxMessageSize)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writePump(ctx, cancel, conn, connSink, id)
	reason := h.readPump(ctx, conn, session)

	session.Close(reason)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// readPump hands every text frame to the session until the connection goes away.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, session *runtime.Session) runtime.CloseReason {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return runtime.ReasonClientClosed
			default:
				h.log.Debug("Read failed", "connection_id", session.ID(), "error", err)
				return runtime.ReasonTransportError
			}
		}

		if typ != websocket.MessageText {
			_ = session.Fault(ctx, fmt.Errorf("%w: binary frames are not supported", errors.ErrProtocol))
			continue
		}
		if _, err = session.Message(ctx, data); err != nil && !runtime.IsProtocolError(err) {
			h.log.Debug("Message rejected", "connection_id", session.ID(), "error", err)
			return runtime.ReasonTransportError
		}
	}
}

// writePump is the only writer of the connection.
// A failed write cancels ctx so that the read side stops as well.
func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn,
	connSink *sink.ConnectionSink, id domain.ConnectionID) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-connSink.Done():
			return
		case e := <-connSink.Events():
			raw, err := event.Encode(e)
			if err != nil {
				h.log.Error("Unencodable event", "connection_id", id, "error", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, raw)
			cancelWrite()
			if err != nil {
				if !stderrors.Is(err, context.Canceled) {
					h.log.Warn("Write failed", "connection_id", id, "error", err)
				}
				return
			}
		}
	}
}
