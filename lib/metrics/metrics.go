// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tick metrics
	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_ticks_total",
			Help: "Total reconciliation ticks started",
		},
	)

	TickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_tick_errors_total",
			Help: "Total ticks that ended with an error",
		},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concierge_tick_duration_seconds",
			Help:    "Full tick duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Reconciliation metrics
	RoomsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_rooms_created_total",
			Help: "Total rooms created by the engine",
		},
		[]string{"kind"}, // "space", "group", "direct"
	)

	Invites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_invites_total",
			Help: "Total room invites issued",
		},
	)

	Kicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_kicks_total",
			Help: "Total room kicks issued",
		},
	)

	PowerLevelCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_power_level_commits_total",
			Help: "Total power-level writes committed",
		},
	)

	WelcomeMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_welcome_messages_total",
			Help: "Total welcome messages delivered",
		},
	)

	AccountsDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_accounts_deactivated_total",
			Help: "Total accounts deactivated after the grace period",
		},
	)

	RoomsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_rooms_deleted_total",
			Help: "Total direct rooms deleted after the grace period",
		},
	)

	// Avatar cache metrics
	AvatarUploads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_avatar_uploads_total",
			Help: "Total avatar media uploads",
		},
	)

	AvatarCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_avatar_cache_hits_total",
			Help: "Total avatar syncs served from the upload cache",
		},
	)
)

// Serve runs the /metrics endpoint on addr until ctx is cancelled.
// Blocks; intended to run in its own goroutine.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
