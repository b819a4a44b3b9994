package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-fabric/internal/bus"
	"github.com/a-essam23/go-fabric/internal/gateway"
	"github.com/a-essam23/go-fabric/pkg/auth"
	"github.com/a-essam23/go-fabric/pkg/config"
	"github.com/a-essam23/go-fabric/pkg/logging"
	"github.com/a-essam23/go-fabric/pkg/session"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func main() {
	bootstrap := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootstrap, "config")
	if err != nil {
		bootstrap.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	broker := bus.NewRedisBroker(logger, &redis.Options{
		Addr:     cfg.Bus.Address,
		Password: cfg.Bus.Password,
		DB:       cfg.Bus.DB,
	})

	authenticator := auth.NewAuthenticator(logger, cfg.Auth.JWTSecret)
	callbacks := session.Callbacks{
		Authenticate: authenticator.Authenticate,
		OnConnected: func(connID uuid.UUID, userID string, _ map[string]any) {
			logger.Info("Client connected", slog.String("connID", connID.String()), slog.String("userID", userID))
		},
		OnDisconnected: func(connID uuid.UUID, userID string) {
			logger.Info("Client disconnected", slog.String("connID", connID.String()), slog.String("userID", userID))
		},
	}
	if cfg.Rooms.AllowAny {
		// Permissive validator: every sanitized join request is allowed.
		callbacks.ValidateRooms = func(_ context.Context, _ uuid.UUID, _ string, requested []string) ([]string, error) {
			return requested, nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(logger, ctx, cfg, broker, callbacks)
	if err != nil {
		logger.Error("Failed to build gateway", slog.Any("error", err))
		os.Exit(1)
	}
	if err := gw.Run(); err != nil {
		logger.Error("Gateway run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
