package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/r3habb99/chatsync/internal/config"
	"github.com/r3habb99/chatsync/internal/engine"
	"github.com/r3habb99/chatsync/internal/logging"
	"github.com/r3habb99/chatsync/internal/rest"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.Int("rooms", len(cfg.Rooms)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := engine.Credentials{
		UserID:   cfg.UserID,
		Username: cfg.Username,
		Token:    cfg.AuthToken,
	}

	restClient := rest.NewClient(nil, cfg.ServerURL, cfg.AuthToken, logger)

	eng := engine.New(engine.Config{
		SocketURL:           cfg.SocketURL,
		ConnectTimeout:      cfg.ConnectTimeout,
		ReconnectMin:        cfg.ReconnectMin,
		ReconnectMax:        cfg.ReconnectMax,
		ReconnectAttempts:   cfg.ReconnectAttempts,
		PendingTTL:          cfg.PendingTTL,
		DuplicateSendWindow: cfg.DuplicateSendWindow,
		TypingStopAfter:     cfg.TypingStopAfter,
		TypingRemoteTTL:     cfg.TypingRemoteTTL,
	}, restClient, creds, logger)

	if err := eng.Connect(ctx, creds); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer eng.Disconnect()

	for _, roomID := range cfg.Rooms {
		if err := eng.JoinRoom(roomID); err != nil {
			return fmt.Errorf("joining room %s: %w", roomID, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if len(cfg.Rooms) > 0 {
		first := cfg.Rooms[0]
		eng.OpenRoom(first)
		g.Go(func() error {
			msgs, err := eng.LoadHistory(gctx, first, cfg.HistoryPageSize, 0)
			if err != nil {
				logger.Warn("initial history load failed",
					slog.String("room_id", first),
					slog.String("error", err.Error()),
				)
				return nil
			}
			logger.Info("history loaded",
				slog.String("room_id", first),
				slog.Int("messages", len(msgs)),
			)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}
