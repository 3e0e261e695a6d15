// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/conciergebot/concierge/directory"
	"github.com/conciergebot/concierge/lib/clock"
	"github.com/conciergebot/concierge/lib/config"
	"github.com/conciergebot/concierge/lib/metrics"
	"github.com/conciergebot/concierge/lib/ref"
	"github.com/conciergebot/concierge/messaging"
)

// DirectoryAPI is the identity directory surface the engine consumes.
// Satisfied by *directory.Client.
type DirectoryAPI interface {
	ListUsers(ctx context.Context, filter directory.UserFilter) ([]directory.User, error)
	ListGroups(ctx context.Context, filter directory.GroupFilter) ([]directory.Group, error)
}

// ChatAPI is the protocol-level Matrix surface the engine consumes.
// Satisfied by *messaging.Session.
type ChatAPI interface {
	CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error)
	ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error)
	KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error
	SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (string, error)
	SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (string, error)
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)
	SetRoomName(ctx context.Context, roomID ref.RoomID, name string) error
	SetRoomTopic(ctx context.Context, roomID ref.RoomID, topic string) error
	SetRoomAvatar(ctx context.Context, roomID ref.RoomID, mediaRef string) error
	GetPowerLevels(ctx context.Context, roomID ref.RoomID) (map[string]any, error)
	SetPowerLevels(ctx context.Context, roomID ref.RoomID, content map[string]any) error
	SpaceChildren(ctx context.Context, spaceID ref.RoomID) ([]messaging.HierarchyRoom, error)
	UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (string, error)
}

// AdminAPI is the server-admin Matrix surface the engine consumes.
// Satisfied by *messaging.Admin.
type AdminAPI interface {
	ListRoomMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error)
	AddUserToRoom(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error
	ListAccounts(ctx context.Context) ([]messaging.Account, error)
	RoomIsBlocked(ctx context.Context, roomID ref.RoomID) (bool, error)
	BlockRoom(ctx context.Context, roomID ref.RoomID) error
	UnblockRoom(ctx context.Context, roomID ref.RoomID) error
	DeleteRoom(ctx context.Context, roomID ref.RoomID, purge bool, message string) error
	DeactivateAccount(ctx context.Context, userID ref.UserID, erase bool) error
	LogoutAccount(ctx context.Context, userID ref.UserID) error
	DeleteUserMedia(ctx context.Context, userID ref.UserID) error
}

// Config assembles an Engine.
type Config struct {
	Settings  *config.Config
	Directory DirectoryAPI
	Chat      ChatAPI
	Admin     AdminAPI

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// HTTPClient downloads avatar source URLs. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Engine runs the reconciliation loop. One instance, one tick in
// flight at a time.
type Engine struct {
	settings *config.Config
	dir      DirectoryAPI
	chat     ChatAPI
	admin    AdminAPI
	clock    clock.Clock
	logger   *slog.Logger

	serverName string
	botUserID  ref.UserID

	// space is the process-lifetime Space Resolver cache.
	space *Space

	// avatarCache maps source-URL content hashes to uploaded mxc://
	// references, deduplicating uploads across rooms and ticks of one
	// process.
	avatarCache map[string]string

	httpClient *http.Client
}

// New validates the assembly and creates an Engine.
func New(c Config) (*Engine, error) {
	if c.Settings == nil {
		return nil, fmt.Errorf("engine: Settings is required")
	}
	if c.Directory == nil || c.Chat == nil || c.Admin == nil {
		return nil, fmt.Errorf("engine: Directory, Chat, and Admin clients are required")
	}

	botUserID, err := ref.ParseUserID(c.Settings.Homeserver.BotUserID)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid bot user id: %w", err)
	}

	tick := c.Clock
	if tick == nil {
		tick = clock.Real()
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Engine{
		settings:    c.Settings,
		dir:         c.Directory,
		chat:        c.Chat,
		admin:       c.Admin,
		clock:       tick,
		logger:      logger,
		serverName:  c.Settings.Homeserver.ServerName,
		botUserID:   botUserID,
		avatarCache: make(map[string]string),
		httpClient:  httpClient,
	}, nil
}

// Tick runs one full reconciliation pass: space, group rooms,
// membership, direct rooms, power levels, attributes. Phases run
// strictly in sequence; a phase error aborts the remainder of the
// tick, and the next tick retries from scratch.
func (e *Engine) Tick(ctx context.Context) error {
	metrics.TicksTotal.Inc()

	err := e.tick(ctx)
	if err != nil {
		metrics.TickErrors.Inc()
	}
	return err
}

func (e *Engine) tick(ctx context.Context) error {
	started := e.clock.Now()
	defer func() {
		metrics.TickDuration.Observe(e.clock.Now().Sub(started).Seconds())
	}()

	space, err := e.ResolveSpace(ctx)
	if err != nil {
		return fmt.Errorf("engine: space resolution failed: %w", err)
	}

	var groupMappings []GroupRoomMapping
	if e.settings.GroupSync.Enabled {
		groupMappings, err = e.listGroupRoomMappings(ctx, space)
		if err != nil {
			return fmt.Errorf("engine: group mapping failed: %w", err)
		}
		if err := e.ensureGroupRooms(ctx, space, groupMappings); err != nil {
			return fmt.Errorf("engine: room creation failed: %w", err)
		}
	}

	userMappings, err := e.listUserAccountMappings(ctx)
	if err != nil {
		return fmt.Errorf("engine: user mapping failed: %w", err)
	}

	if e.settings.GroupSync.Enabled {
		if err := e.syncRoomMembership(ctx, groupMappings, userMappings); err != nil {
			return fmt.Errorf("engine: membership sync failed: %w", err)
		}
	}

	if e.settings.DirectRooms.Enabled {
		if err := e.syncDirectRooms(ctx, space, userMappings); err != nil {
			return fmt.Errorf("engine: direct room sync failed: %w", err)
		}
	}

	if e.settings.PowerLevels.Enabled {
		if err := e.syncPowerLevels(ctx, space, groupMappings, userMappings); err != nil {
			return fmt.Errorf("engine: power level sync failed: %w", err)
		}
	}

	if e.settings.GroupSync.Enabled {
		if err := e.syncRoomAttributes(ctx, groupMappings); err != nil {
			return fmt.Errorf("engine: attribute sync failed: %w", err)
		}
	}

	return nil
}

// Run ticks immediately, then loops with the configured sync interval
// between tick completions until ctx is cancelled. Tick errors are
// logged and the loop continues; only a ConfigurationError on the very
// first tick is fatal, because it means the daemon can never converge
// without operator action.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.settings.Directory.SyncInterval.Std()

	first := true
	for {
		if err := e.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if first && IsConfigurationError(err) {
				return err
			}
			e.logger.Error("tick failed", "error", err)
		}
		first = false

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(interval):
		}
	}
}
