package server

import (
	"log/slog"
	"time"

	grpc3 "github.com/mama165/sdk-go/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCServer builds the relay gRPC server with the chat relay and health services registered.
// The returned health server is flipped to NOT_SERVING on shutdown by the caller.
func NewGRPCServer(log *slog.Logger, chatServer *ChatServer) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpc3.UnaryLoggingInterceptor(log),
		),
		grpc.ChainStreamInterceptor(
			streamLoggingInterceptor(log),
		),
	)
	RegisterChatRelayServer(s, chatServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, healthServer)
	return s, healthServer
}

// streamLoggingInterceptor logs the lifetime of every stream.
func streamLoggingInterceptor(log *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		log.Debug("gRPC stream ended",
			"method", info.FullMethod,
			"duration", time.Since(start),
			"error", err)
		return err
	}
}
