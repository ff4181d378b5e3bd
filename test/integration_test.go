package test

import (
	"chat-relay/domain"
	"chat-relay/infrastructure/bus"
	"chat-relay/infrastructure/grpc/client"
	"chat-relay/infrastructure/grpc/server"
	"chat-relay/infrastructure/ws"
	"chat-relay/internal"
	"chat-relay/observability"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// node is one relay process: both transports, the debug server and the redis channel layer.
type node struct {
	registry *runtime.Registry
	monitor  *observability.Monitor
	http     *httptest.Server
	debug    *httptest.Server
	grpcConn *grpc.ClientConn
	bus      *bus.RedisBus
}

type RelaySuite struct {
	suite.Suite
	log    *slog.Logger
	redis  *miniredis.Miniredis
	ctx    context.Context
	cancel context.CancelFunc
	first  *node
	second *node
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupTest() {
	s.log = logs.GetLoggerFromLevel(slog.LevelDebug)
	s.redis = miniredis.RunT(s.T())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.first = s.startNode()
	s.second = s.startNode()
}

func (s *RelaySuite) TearDownTest() {
	s.cancel()
}

func (s *RelaySuite) startNode() *node {
	t := s.T()
	n := &node{registry: runtime.NewRegistry(), monitor: observability.NewMonitor()}
	local := runtime.NewBroadcaster(s.log, n.registry, n.monitor, runtime.IncludeSender, time.Second)

	rdb := redis.NewClient(&redis.Options{Addr: s.redis.Addr()})
	n.bus = bus.NewRedisBusFromClient(rdb, local, s.log)
	t.Cleanup(func() { _ = n.bus.Close() })

	controller := runtime.NewSessionController(s.log, n.registry, n.bus, n.monitor)

	sup := workers.NewSupervisor(s.log, 50*time.Millisecond)
	go sup.Add(n.bus).Run(s.ctx)
	select {
	case <-n.bus.Ready():
	case <-time.After(2 * time.Second):
		s.FailNow("channel layer never subscribed")
	}

	router := mux.NewRouter()
	ws.NewHandler(s.log, controller, ws.Options{BufferSize: 16, MaxMessageSize: 4096}).Register(router)
	n.http = httptest.NewServer(router)
	t.Cleanup(n.http.Close)

	n.debug = httptest.NewServer(internal.NewDebugServer("", n.monitor, func() observability.Stats {
		stats := n.monitor.Snapshot()
		registryStats := n.registry.Stats()
		stats.Rooms, stats.Members = registryStats.Rooms, registryStats.Members
		return stats
	}).Handler)
	t.Cleanup(n.debug.Close)

	listener := bufconn.Listen(1024 * 1024)
	grpcServer, _ := server.NewGRPCServer(s.log, server.NewChatServer(s.log, controller, 16))
	go func() { _ = grpcServer.Serve(listener) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	s.Require().NoError(err)
	t.Cleanup(func() { _ = conn.Close() })
	n.grpcConn = conn
	return n
}

func (s *RelaySuite) dialWS(n *node, room string) *websocket.Conn {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(n.http.URL, "http") + "/ws/chat/" + room + "/"
	conn, _, err := websocket.Dial(ctx, url, nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func (s *RelaySuite) readWS(conn *websocket.Conn) map[string]string {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	s.Require().NoError(err)
	var frame map[string]string
	s.Require().NoError(json.Unmarshal(data, &frame))
	return frame
}

func (s *RelaySuite) waitMembers(n *node, room string, count int) {
	s.Require().Eventually(func() bool {
		return len(n.registry.Members(domain.RoomName(room))) == count
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *RelaySuite) stats(n *node) observability.Stats {
	resp, err := http.Get(n.debug.URL + "/stats")
	s.Require().NoError(err)
	defer resp.Body.Close()
	var stats observability.Stats
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&stats))
	return stats
}

func (s *RelaySuite) Test_Room_Spans_Nodes_And_Transports() {
	req := s.Require()

	// Given alice on the first node over WebSocket,
	// bob on the second node over WebSocket and carol on the second node over gRPC
	alice := s.dialWS(s.first, "lobby")
	bob := s.dialWS(s.second, "lobby")
	carol, err := client.Connect(s.ctx, s.second.grpcConn, "lobby")
	req.NoError(err)
	s.waitMembers(s.first, "lobby", 1)
	s.waitMembers(s.second, "lobby", 2)

	// When alice says hi
	req.NoError(alice.Write(s.ctx, websocket.MessageText, []byte(`{"message":"hi"}`)))

	// Then everybody in the lobby receives it exactly once, alice included
	req.Equal(map[string]string{"message": "hi"}, s.readWS(alice))
	req.Equal(map[string]string{"message": "hi"}, s.readWS(bob))
	frame, err := carol.Recv()
	req.NoError(err)
	req.Equal(map[string]any{"message": "hi"}, frame)

	// And carol's answer travels back the other way
	req.NoError(carol.Send("hello alice"))
	req.Equal(map[string]string{"message": "hello alice"}, s.readWS(alice))
	req.Equal(map[string]string{"message": "hello alice"}, s.readWS(bob))

	req.Equal(1, s.stats(s.first).Members)
	req.Equal(2, s.stats(s.second).Members)
}

func (s *RelaySuite) Test_Rooms_Are_Isolated() {
	req := s.Require()

	alice := s.dialWS(s.first, "lobby")
	dave := s.dialWS(s.second, "random")
	s.waitMembers(s.first, "lobby", 1)
	s.waitMembers(s.second, "random", 1)

	req.NoError(alice.Write(s.ctx, websocket.MessageText, []byte(`{"message":"lobby only"}`)))
	req.Equal(map[string]string{"message": "lobby only"}, s.readWS(alice))

	ctx, cancel := context.WithTimeout(s.ctx, 200*time.Millisecond)
	defer cancel()
	_, _, err := dave.Read(ctx)
	req.Error(err)
}

func (s *RelaySuite) Test_Invalid_Room_Never_Reaches_A_Registry() {
	req := s.Require()

	resp, err := http.Get(s.first.http.URL + "/ws/chat/lobby;rm%20-rf/")
	req.NoError(err)
	_ = resp.Body.Close()
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	stats := s.stats(s.first)
	req.Zero(stats.Rooms)
	req.EqualValues(1, stats.RejectedRooms)
}

func (s *RelaySuite) Test_Disconnect_Cleans_Up_Every_Node() {
	req := s.Require()

	alice := s.dialWS(s.first, "lobby")
	bob := s.dialWS(s.second, "lobby")
	s.waitMembers(s.first, "lobby", 1)
	s.waitMembers(s.second, "lobby", 1)

	_ = alice.CloseNow()
	s.waitMembers(s.first, "lobby", 0)

	// bob keeps chatting alone
	req.NoError(bob.Write(s.ctx, websocket.MessageText, []byte(`{"message":"anyone?"}`)))
	req.Equal(map[string]string{"message": "anyone?"}, s.readWS(bob))
	req.Zero(s.stats(s.first).Members)
	req.EqualValues(1, s.stats(s.first).SessionsClosed)
}
