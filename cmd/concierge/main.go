// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Concierge is a reconciliation daemon that keeps a Matrix homeserver
// aligned with an external identity directory. Each tick it reads the
// directory's groups and users, then converges the homeserver toward
// them: one room per group under a container space, room membership
// matching group membership, per-user onboarding rooms, power levels,
// and room attributes. All bookkeeping lives in hidden state events on
// the managed rooms themselves, so the daemon is stateless and safe to
// restart at any point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/conciergebot/concierge/directory"
	"github.com/conciergebot/concierge/engine"
	"github.com/conciergebot/concierge/lib/config"
	"github.com/conciergebot/concierge/lib/metrics"
	"github.com/conciergebot/concierge/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		once       bool
	)
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file (defaults to $CONCIERGE_CONFIG)")
	flag.BoolVar(&once, "once", false, "run a single reconciliation pass and exit")
	flag.Parse()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatClient, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger.With("component", "messaging"),
	})
	if err != nil {
		return err
	}
	session := chatClient.Session(cfg.Homeserver.BotUserID, cfg.Homeserver.AccessToken)

	// Fail fast on a dead token before the first tick does any work.
	whoami, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("validating homeserver session: %w", err)
	}
	logger.Info("homeserver session valid", "user_id", whoami)

	admin := messaging.NewAdmin(session, cfg.Homeserver.AdminAPIPath)

	dirClient, err := directory.NewClient(directory.ClientConfig{
		BaseURL: cfg.Directory.URL,
		Token:   cfg.Directory.Token,
		Logger:  logger.With("component", "directory"),
	})
	if err != nil {
		return err
	}

	reconciler, err := engine.New(engine.Config{
		Settings:  cfg,
		Directory: dirClient,
		Chat:      session,
		Admin:     admin,
		Logger:    logger.With("component", "engine"),
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger.With("component", "metrics")); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	if once {
		return reconciler.Tick(ctx)
	}
	return reconciler.Run(ctx)
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
