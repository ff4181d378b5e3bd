package server

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/runtime"
	"chat-relay/sink"
	"context"
	stderrors "errors"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "relay.v1.ChatRelay"
	ConnectMethod = "/" + ServiceName + "/Connect"
	// RoomMetadataKey carries the room name, the gRPC counterpart of the WebSocket path segment.
	RoomMetadataKey = "room"
)

// ChatRelayServer is the server API of relay.v1.ChatRelay.
// Frames are google.protobuf.Struct values shaped like the WebSocket envelope.
type ChatRelayServer interface {
	Connect(stream grpc.ServerStream) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatRelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relay/v1/chat_relay.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ChatRelayServer).Connect(stream)
}

func RegisterChatRelayServer(s grpc.ServiceRegistrar, srv ChatRelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type ChatServer struct {
	log                  *slog.Logger
	controller           *runtime.SessionController
	connectionBufferSize int
}

func NewChatServer(log *slog.Logger, controller *runtime.SessionController, connectionBufferSize int) *ChatServer {
	return &ChatServer{
		log:                  log,
		controller:           controller,
		connectionBufferSize: connectionBufferSize,
	}
}

// Connect joins the room named in the metadata for the lifetime of the stream.
// Inbound frames are relayed to the room, outbound events are written by this goroutine only.
// The membership is released whatever the way the stream ends.
func (s *ChatServer) Connect(stream grpc.ServerStream) error {
	id := domain.NewConnectionID()
	connSink := sink.NewConnectionSink(s.connectionBufferSize)
	defer connSink.Close()

	session, err := s.controller.Open(stream.Context(), id, roomFromMetadata(stream.Context()), connSink)
	if err != nil {
		return errors.MapToGRPCError(err)
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	reasons := make(chan runtime.CloseReason, 1)
	go func() {
		defer cancel()
		reasons <- s.receive(ctx, stream, session)
	}()

	sendErr := s.send(ctx, stream, connSink, id)
	cancel()

	reason := runtime.ReasonTransportError
	select {
	case reason = <-reasons:
	default:
	}
	session.Close(reason)

	if sendErr != nil {
		return status.Error(codes.Unavailable, sendErr.Error())
	}
	return nil
}

func (s *ChatServer) receive(ctx context.Context, stream grpc.ServerStream, session *runtime.Session) runtime.CloseReason {
	for {
		frame := &structpb.Struct{}
		if err := stream.RecvMsg(frame); err != nil {
			if stderrors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return runtime.ReasonClientClosed
			}
			s.log.Debug("Receive failed", "connection_id", session.ID(), "error", err)
			return runtime.ReasonTransportError
		}

		raw, err := protojson.Marshal(frame)
		if err != nil {
			_ = session.Fault(ctx, err)
			continue
		}
		if _, err = session.Message(ctx, raw); err != nil && !runtime.IsProtocolError(err) {
			return runtime.ReasonTransportError
		}
	}
}

func (s *ChatServer) send(ctx context.Context, stream grpc.ServerStream, connSink *sink.ConnectionSink, id domain.ConnectionID) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-connSink.Events():
			fields, err := event.Fields(e)
			if err != nil {
				s.log.Error("Unencodable event", "connection_id", id, "error", err)
				continue
			}
			frame, err := structpb.NewStruct(fields)
			if err != nil {
				s.log.Error("Unencodable event", "connection_id", id, "error", err)
				continue
			}
			if err = stream.SendMsg(frame); err != nil {
				s.log.Error("Failed to push event to stream",
					"connection_id", id,
					"error", err)
				return err
			}
		}
	}
}

func roomFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(RoomMetadataKey)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
