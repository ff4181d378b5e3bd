package main

import (
	"chat-relay/contract"
	"chat-relay/infrastructure/bus"
	"chat-relay/infrastructure/grpc/server"
	"chat-relay/infrastructure/ws"
	"chat-relay/internal"
	"chat-relay/moderation"
	"chat-relay/observability"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const shutdownTimeout = 10 * time.Second

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component, serves until a signal or a server failure,
// then shuts down in reverse order. Deferred cleanups always run before the exit code is returned.
func run() (int, error) {
	// 1. Configuration & Logger
	config, err := internal.LoadConfig()
	if err != nil {
		return exitConfig, err
	}
	charReplacement, err := internal.CharacterRune(config.ModerationCharacterReplacement)
	if err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Core
	monitor := observability.NewMonitor()
	registry := runtime.NewRegistry()
	localBroadcaster := runtime.NewBroadcaster(logger, registry, monitor,
		runtime.PolicyFromEcho(config.EchoToSender), config.SinkTimeout)

	statsProvider := func() observability.Stats {
		stats := monitor.Snapshot()
		registryStats := registry.Stats()
		stats.Rooms, stats.Members = registryStats.Rooms, registryStats.Members
		return stats
	}

	sup := workers.NewSupervisor(logger, config.RestartInterval)
	sup.Add(workers.NewHeartbeatWorker(logger, config.HeartbeatInterval, statsProvider))

	// 3. Channel layer
	var broadcaster contract.IBroadcaster = localBroadcaster
	if config.BroadcastBackend == internal.BackendRedis {
		redisBus, err := bus.NewRedisBus(ctx, config.RedisAddr, config.RedisDB, localBroadcaster, logger)
		if err != nil {
			return exitRuntime, err
		}
		defer func() {
			logger.Info("Closing redis...")
			_ = redisBus.Close()
		}()
		sup.Add(redisBus)
		broadcaster = redisBus
		logger.Info("Channel layer enabled", "backend", config.BroadcastBackend, "address", config.RedisAddr)
	}

	controller := runtime.NewSessionController(logger, registry, broadcaster, monitor)

	// 4. Optional moderation
	if config.ModerationDictionaryDir != "" {
		data, err := runtime.NewCensoredLoader(os.DirFS(config.ModerationDictionaryDir)).LoadAll(".")
		if err != nil {
			return exitConfig, fmt.Errorf("failed to load censored words: %w", err)
		}
		moderator, err := moderation.NewModerator(data.Words, charReplacement, logger)
		if err != nil {
			return exitConfig, err
		}
		controller.WithModerator(moderator)
		logger.Info("Moderation enabled", "words", len(data.Words), "languages", data.Languages)
	}

	listener, err := net.Listen("tcp", config.GRPCAddress())
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to listen on %s: %w", config.GRPCAddress(), err)
	}

	errChan := make(chan error, 3)
	supervisorDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supervisorDone)
	}()

	// 5. WebSocket transport
	router := mux.NewRouter()
	ws.NewHandler(logger, controller, ws.Options{
		BufferSize:     config.ConnectionBufferSize,
		MaxMessageSize: config.MaxMessageSize,
		OriginPatterns: config.OriginPatterns(),
	}).Register(router)
	httpServer := &http.Server{
		Addr:              config.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Starting WebSocket server", "address", httpServer.Addr, "route", ws.Route)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("WebSocket server error: %w", err)
		}
	}()

	// 6. gRPC transport
	grpcServer, healthServer := server.NewGRPCServer(logger,
		server.NewChatServer(logger, controller, config.ConnectionBufferSize))
	go func() {
		logger.Info("Starting gRPC server", "address", config.GRPCAddress(), "at", time.Now().UTC())
		for serviceName := range grpcServer.GetServiceInfo() {
			logger.Debug("gRPC exposed services", "name", serviceName)
		}
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// 7. Debug server
	debugServer := internal.NewDebugServer(config.DebugAddress(), monitor, statsProvider)
	go func() {
		logger.Info("Starting debug server", "address", debugServer.Addr)
		if err := debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("debug server error: %w", err)
		}
	}()

	// 8. Wait for Stop or Error
	code := exitOK
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errChan:
		code = exitRuntime
	}

	// 9. Graceful shutdown: refuse new sessions, drop every membership, stop listeners and workers
	logger.Info("Shutting down gracefully...")
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	controller.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("WebSocket server shutdown", "error", err)
	}
	shutdownGRPC(shutdownCtx, grpcServer)
	if err := debugServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Debug server shutdown", "error", err)
	}
	sup.Stop()
	<-supervisorDone

	logger.Info("Program stopped cleanly")
	return code, runErr
}

// shutdownGRPC lets open streams end on their own until ctx expires.
func shutdownGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}
