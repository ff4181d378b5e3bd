package client

import (
	"chat-relay/infrastructure/grpc/server"
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// RelayStream is one membership of a room over gRPC.
// Send and Recv may be used from two different goroutines, not more.
type RelayStream struct {
	stream grpc.ClientStream
}

// Connect opens the relay.v1.ChatRelay/Connect stream for the given room.
func Connect(ctx context.Context, conn grpc.ClientConnInterface, room string) (*RelayStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, server.RoomMetadataKey, room)
	stream, err := conn.NewStream(ctx, &server.ServiceDesc.Streams[0], server.ConnectMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return &RelayStream{stream: stream}, nil
}

// Send posts a chat message to the room.
func (s *RelayStream) Send(message string) error {
	return s.SendFields(map[string]any{"message": message})
}

// SendFields posts a raw frame, no envelope check is done on the client side.
func (s *RelayStream) SendFields(fields map[string]any) error {
	frame, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return s.stream.SendMsg(frame)
}

// Recv blocks until the next frame: {"message": ...} or {"error": ...}.
func (s *RelayStream) Recv() (map[string]any, error) {
	frame := &structpb.Struct{}
	if err := s.stream.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame.AsMap(), nil
}

// CloseSend leaves the room, the server ends the stream afterwards.
func (s *RelayStream) CloseSend() error {
	return s.stream.CloseSend()
}
