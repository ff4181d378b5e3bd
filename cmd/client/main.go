package main

import (
	"bufio"
	"chat-relay/infrastructure/grpc/client"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the client-side environment variables.
type Config struct {
	ServerAddress string `env:"CHAT_SERVER_ADDR,default=localhost:8001"`
	Room          string `env:"CHAT_ROOM,default=lobby"`
	LogLevel      string `env:"LOG_LEVEL,default=INFO"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

// run joins the configured room, sends every stdin line as a message and prints what the room says.
func run() (int, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(config.ServerAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return exitRuntime, fmt.Errorf("could not connect to server at %s: %w", config.ServerAddress, err)
	}
	defer func() {
		log.Info("Closing connection...")
		_ = conn.Close()
	}()

	stream, err := client.Connect(ctx, conn, config.Room)
	if err != nil {
		return exitRuntime, err
	}
	log.Info(fmt.Sprintf(">>> Connected to %s, room %s (Ctrl+C to quit)...", config.ServerAddress, config.Room))

	// Stdin lines are sent from their own goroutine, the main one only receives
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := stream.Send(line); err != nil {
				log.Error("Failed to send message", "error", err)
				return
			}
		}
		_ = stream.CloseSend()
	}()

	for {
		frame, err := stream.Recv()
		if err != nil {
			// Normal exit if the user triggered a shutdown or closed stdin
			if ctx.Err() != nil {
				log.Info("Stopping client...")
				return exitOK, nil
			}
			if errors.Is(err, io.EOF) {
				return exitOK, nil
			}
			return exitRuntime, fmt.Errorf("stream error: %w", err)
		}

		if reason, ok := frame["error"]; ok {
			log.Warn("Message refused by the relay", "reason", reason)
			continue
		}
		fmt.Printf("[%s] %v\n", time.Now().Format(time.TimeOnly), frame["message"])
	}
}
