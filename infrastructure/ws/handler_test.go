package ws

import (
	"chat-relay/domain"
	"chat-relay/observability"
	"chat-relay/runtime"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

type relay struct {
	server     *httptest.Server
	registry   *runtime.Registry
	monitor    *observability.Monitor
	controller *runtime.SessionController
}

func newRelay(t *testing.T) relay {
	t.Helper()
	log := slog.Default()
	registry := runtime.NewRegistry()
	monitor := observability.NewMonitor()
	broadcaster := runtime.NewBroadcaster(log, registry, monitor, runtime.IncludeSender, time.Second)
	controller := runtime.NewSessionController(log, registry, broadcaster, monitor)

	router := mux.NewRouter()
	NewHandler(log, controller, Options{BufferSize: 16, MaxMessageSize: 1024}).Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return relay{server: server, registry: registry, monitor: monitor, controller: controller}
}

func (r relay) url(room string) string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws/chat/" + room + "/"
}

func dial(t *testing.T, r relay, room string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, r.url(room), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var frame map[string]string
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func write(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, payload string) {
	t.Helper()
	require.NoError(t, conn.Write(context.Background(), typ, []byte(payload)))
}

func waitMembers(t *testing.T, r relay, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.registry.Members(domain.RoomName(room))) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_Lobby_Roundtrip(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)

	alice := dial(t, r, "lobby")
	bob := dial(t, r, "lobby")
	carol := dial(t, r, "random")
	waitMembers(t, r, "lobby", 2)
	waitMembers(t, r, "random", 1)

	// When alice says hi
	write(t, alice, websocket.MessageText, `{"message":"hi"}`)

	// Then alice and bob receive the exact envelope
	req.Equal(map[string]string{"message": "hi"}, readFrame(t, alice))
	req.Equal(map[string]string{"message": "hi"}, readFrame(t, bob))

	// And carol, in another room, receives nothing
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := carol.Read(ctx)
	req.Error(err)
}

func TestHandler_Rejects_Invalid_Room(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)

	resp, err := http.Get(r.server.URL + "/ws/chat/lobby;rm%20-rf/")
	req.NoError(err)
	defer resp.Body.Close()

	req.Equal(http.StatusBadRequest, resp.StatusCode)
	req.Equal(runtime.RegistryStats{}, r.registry.Stats())
	req.EqualValues(1, r.monitor.Snapshot().RejectedRooms)

	_, _, err = websocket.Dial(context.Background(), r.url("lobby;rm%20-rf"), nil)
	req.Error(err)
}

func TestHandler_Refuses_Connections_During_Shutdown(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)

	alice := dial(t, r, "lobby")
	waitMembers(t, r, "lobby", 1)

	// Given the relay started shutting down while its listener is still up
	req.Equal(1, r.controller.Shutdown())

	// Then a late connection is refused before the upgrade and never joins
	resp, err := http.Get(r.server.URL + "/ws/chat/lobby/")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	req.Equal(runtime.RegistryStats{}, r.registry.Stats())
	req.Zero(r.monitor.Snapshot().RejectedRooms)

	_ = alice.CloseNow()
}

func TestHandler_Protocol_Errors_Stay_With_The_Sender(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)

	alice := dial(t, r, "lobby")
	bob := dial(t, r, "lobby")
	waitMembers(t, r, "lobby", 2)

	write(t, alice, websocket.MessageText, `{"msg":"wrong key"}`)
	req.Contains(readFrame(t, alice), "error")

	write(t, alice, websocket.MessageBinary, `{"message":"binary"}`)
	req.Contains(readFrame(t, alice), "error")

	// The connection survives and bob only gets the valid message
	write(t, alice, websocket.MessageText, `{"message":"ok"}`)
	req.Equal(map[string]string{"message": "ok"}, readFrame(t, bob))
	req.Equal(map[string]string{"message": "ok"}, readFrame(t, alice))
	req.EqualValues(2, r.monitor.Snapshot().ProtocolErrors)
}

func TestHandler_Disconnect_Leaves_The_Room(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)

	alice := dial(t, r, "lobby")
	bob := dial(t, r, "lobby")
	waitMembers(t, r, "lobby", 2)

	// Graceful close
	_ = bob.Close(websocket.StatusNormalClosure, "bye")
	waitMembers(t, r, "lobby", 1)

	// Abrupt close
	_ = alice.CloseNow()
	waitMembers(t, r, "lobby", 0)

	req.Equal(runtime.RegistryStats{}, r.registry.Stats())
	req.Eventually(func() bool {
		return r.monitor.Snapshot().SessionsClosed == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_Oversized_Frame_Closes_The_Connection(t *testing.T) {
	r := newRelay(t)

	alice := dial(t, r, "lobby")
	waitMembers(t, r, "lobby", 1)

	write(t, alice, websocket.MessageText, `{"message":"`+strings.Repeat("x", 2048)+`"}`)
	waitMembers(t, r, "lobby", 0)
}
