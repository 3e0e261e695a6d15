// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"github.com/conciergebot/concierge/lib/metrics"
	"github.com/conciergebot/concierge/lib/ref"
	"github.com/conciergebot/concierge/messaging"
)

// Space is the resolved container space holding all managed rooms.
type Space struct {
	RoomID ref.RoomID
	Alias  ref.RoomAlias
	State  SpaceState
}

// ResolveSpace finds the container space by its configured canonical
// alias, creating it when allowed, and caches the result for the
// process lifetime. The space is assumed immutable while the process
// runs, so the cache is never invalidated.
func (e *Engine) ResolveSpace(ctx context.Context) (*Space, error) {
	if e.space != nil {
		return e.space, nil
	}

	space, err := e.resolveSpace(ctx, true)
	if err != nil {
		return nil, err
	}
	e.space = space
	return space, nil
}

// resolveSpace does one resolution pass. mayCreate limits creation to
// a single recursion: after creating, the space is re-read through the
// alias so the cached object is server truth rather than a local
// construction.
func (e *Engine) resolveSpace(ctx context.Context, mayCreate bool) (*Space, error) {
	alias := ref.RoomAliasFrom(e.settings.Space.Alias, e.serverName)

	roomID, err := e.chat.ResolveAlias(ctx, alias)
	if err != nil {
		if !messaging.IsNotFound(err) {
			return nil, err
		}
		if !e.settings.Space.CreateIfMissing || !mayCreate {
			return nil, &ConfigurationError{
				Reason: fmt.Sprintf("space %q does not exist and space.create_if_missing is disabled", alias),
			}
		}
		if err := e.createSpace(ctx, alias); err != nil {
			return nil, err
		}
		return e.resolveSpace(ctx, false)
	}

	state, err := loadState[SpaceState](ctx, e.chat, e.serverName, roomID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		// Pre-existing space under the configured alias. Adopt it by
		// writing the marker record; from here on it is managed.
		e.logger.Info("adopting existing space", "alias", alias.String(), "room_id", roomID)
		adopted := SpaceState{DirectoryServer: e.settings.Directory.URL}
		if err := saveState(ctx, e.chat, e.serverName, roomID, adopted); err != nil {
			return nil, err
		}
		state, err = loadState[SpaceState](ctx, e.chat, e.serverName, roomID)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return nil, fmt.Errorf("engine: space state for %q missing after write", roomID)
		}
	}

	return &Space{RoomID: roomID, Alias: alias, State: *state}, nil
}

func (e *Engine) createSpace(ctx context.Context, alias ref.RoomAlias) error {
	request := messaging.CreateRoomRequest{
		Name:            e.settings.Space.Name,
		Topic:           e.settings.Space.Topic,
		Alias:           alias.Localpart(),
		CreationContent: map[string]any{"type": "m.space"},
	}
	applyCreateParams(&request, e.settings.Space.CreateParams)

	roomID, err := e.chat.CreateRoom(ctx, request)
	if err != nil {
		return fmt.Errorf("engine: failed to create space %q: %w", alias, err)
	}
	metrics.RoomsCreated.WithLabelValues("space").Inc()

	state := SpaceState{DirectoryServer: e.settings.Directory.URL}
	return saveState(ctx, e.chat, e.serverName, roomID, state)
}

// applyCreateParams maps the generic creation-parameter bag onto the
// typed request. Keys without a typed field (room_version and the
// like) ride along as raw createRoom body parameters, since the bag is
// operator-authored and the server validates it anyway.
func applyCreateParams(request *messaging.CreateRoomRequest, params map[string]any) {
	for key, value := range params {
		switch key {
		case "visibility":
			if visibility, ok := value.(string); ok {
				request.Visibility = visibility
			}
		case "preset":
			if preset, ok := value.(string); ok {
				request.Preset = preset
			}
		default:
			if request.Extra == nil {
				request.Extra = make(map[string]any)
			}
			request.Extra[key] = value
		}
	}
}
