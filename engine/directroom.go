// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/conciergebot/concierge/lib/metrics"
	"github.com/conciergebot/concierge/lib/ref"
	"github.com/conciergebot/concierge/messaging"
)

// DirectRoomMapping pairs one managed direct room with its occupant's
// current directory standing. Tick-scoped.
type DirectRoomMapping struct {
	RoomID ref.RoomID
	State  *DirectRoomState

	// Present is true when the occupant is still in the candidate
	// user set this tick.
	Present bool
}

// syncDirectRooms drives the per-user direct room lifecycle: every
// candidate user gets exactly one bot-to-user room, pending welcome
// messages are delivered, and users who left the directory move
// through the mark, deactivate, delete stages on the configured
// timers.
func (e *Engine) syncDirectRooms(ctx context.Context, space *Space, userMappings []UserAccountMapping) error {
	rooms, err := e.chat.SpaceChildren(ctx, space.RoomID)
	if err != nil {
		return err
	}

	// Existing direct rooms, keyed by occupant account id. A space
	// child without a direct-room record is not ours.
	byOccupant := make(map[string]DirectRoomMapping, len(rooms))
	for _, room := range rooms {
		state, err := loadState[DirectRoomState](ctx, e.chat, e.serverName, room.RoomID)
		if err != nil {
			return err
		}
		if state == nil {
			continue
		}
		byOccupant[state.UserID.String()] = DirectRoomMapping{RoomID: room.RoomID, State: state}
	}

	present := make(map[string]bool, len(userMappings))
	for _, userMapping := range userMappings {
		present[userMapping.AccountID.String()] = true
	}

	for _, userMapping := range userMappings {
		mapping, ok := byOccupant[userMapping.AccountID.String()]
		if !ok {
			mapping, err = e.createDirectRoom(ctx, space, userMapping.AccountID)
			if err != nil {
				return err
			}
			byOccupant[userMapping.AccountID.String()] = mapping
		} else if mapping.State.MarkedForDisablingAt != nil || mapping.State.DisabledAt != nil {
			if err := e.reenableDirectRoom(ctx, mapping); err != nil {
				return err
			}
		}
		if err := e.deliverPendingWelcomeMessages(ctx, byOccupant[userMapping.AccountID.String()]); err != nil {
			return err
		}
	}

	for occupant, mapping := range byOccupant {
		if present[occupant] {
			continue
		}
		if err := e.retireAbsentUser(ctx, mapping); err != nil {
			return err
		}
	}
	return nil
}

// createDirectRoom opens a fresh invite-only room between the bot and
// one user, links it under the space, and writes the occupant record.
func (e *Engine) createDirectRoom(ctx context.Context, space *Space, occupant ref.UserID) (DirectRoomMapping, error) {
	request := messaging.CreateRoomRequest{
		Preset:     "trusted_private_chat",
		Visibility: "private",
		IsDirect:   true,
		Invite:     []string{occupant.String()},
		InitialState: []messaging.StateEvent{
			{
				Type:     "m.space.parent",
				StateKey: space.RoomID.String(),
				Content: map[string]any{
					"via":       []string{e.serverName},
					"canonical": true,
				},
			},
		},
	}

	roomID, err := e.chat.CreateRoom(ctx, request)
	if err != nil {
		return DirectRoomMapping{}, fmt.Errorf("creating direct room for %q: %w", occupant, err)
	}
	metrics.RoomsCreated.WithLabelValues("direct").Inc()

	state := DirectRoomState{
		UserID:              occupant,
		WelcomeMessagesSent: map[string]string{},
	}
	if err := saveState(ctx, e.chat, e.serverName, roomID, state); err != nil {
		return DirectRoomMapping{}, err
	}

	if _, err := e.chat.SendStateEvent(ctx, space.RoomID, "m.space.child", roomID.String(), map[string]any{
		"via": []string{e.serverName},
	}); err != nil {
		return DirectRoomMapping{}, fmt.Errorf("linking direct room %q into space: %w", roomID, err)
	}

	e.logger.Info("created direct room", "user", occupant, "room", roomID)
	return DirectRoomMapping{RoomID: roomID, State: &state, Present: true}, nil
}

// reenableDirectRoom clears any retirement progress for a user who
// reappeared in the directory. Clearing both timestamps means a later
// disappearance starts the timers from scratch.
func (e *Engine) reenableDirectRoom(ctx context.Context, mapping DirectRoomMapping) error {
	blocked, err := e.admin.RoomIsBlocked(ctx, mapping.RoomID)
	if err != nil {
		return err
	}
	if blocked {
		if err := e.admin.UnblockRoom(ctx, mapping.RoomID); err != nil {
			return err
		}
	}

	mapping.State.MarkedForDisablingAt = nil
	mapping.State.DisabledAt = nil
	if err := saveState(ctx, e.chat, e.serverName, mapping.RoomID, *mapping.State); err != nil {
		return err
	}
	e.logger.Info("re-enabled direct room for returning user",
		"user", mapping.State.UserID, "room", mapping.RoomID)
	return nil
}

// deliverPendingWelcomeMessages sends each configured welcome message
// that this room has not already received, in configuration order.
// The sent map is persisted after every single send, so a crash
// mid-sequence never repeats a delivered message.
func (e *Engine) deliverPendingWelcomeMessages(ctx context.Context, mapping DirectRoomMapping) error {
	for i, message := range e.settings.DirectRooms.WelcomeMessages {
		key := strconv.Itoa(i)
		if _, sent := mapping.State.WelcomeMessagesSent[key]; sent {
			continue
		}

		eventID, err := e.chat.SendMessage(ctx, mapping.RoomID, messaging.NewTextMessage(message))
		if err != nil {
			return fmt.Errorf("sending welcome message %d to %q: %w", i, mapping.RoomID, err)
		}
		metrics.WelcomeMessages.Inc()

		if mapping.State.WelcomeMessagesSent == nil {
			mapping.State.WelcomeMessagesSent = map[string]string{}
		}
		mapping.State.WelcomeMessagesSent[key] = eventID
		if err := saveState(ctx, e.chat, e.serverName, mapping.RoomID, *mapping.State); err != nil {
			return err
		}
	}
	return nil
}

// retireAbsentUser advances one absent user's room through the
// retirement stages. Each tick performs at most one transition, so the
// configured grace periods are honored from the moment the user was
// first seen missing, not from bot startup.
func (e *Engine) retireAbsentUser(ctx context.Context, mapping DirectRoomMapping) error {
	cfg := e.settings.DirectRooms
	now := e.clock.Now()
	state := mapping.State
	occupant := state.UserID

	switch {
	case state.MarkedForDisablingAt == nil:
		state.MarkedForDisablingAt = &now
		if err := saveState(ctx, e.chat, e.serverName, mapping.RoomID, *state); err != nil {
			return err
		}
		e.logger.Info("marked absent user for deactivation",
			"user", occupant, "room", mapping.RoomID)

	case state.DisabledAt == nil:
		if cfg.DeactivateAfter.Std() <= 0 || now.Sub(*state.MarkedForDisablingAt) < cfg.DeactivateAfter.Std() {
			return nil
		}
		if err := e.admin.LogoutAccount(ctx, occupant); err != nil {
			return err
		}
		if err := e.admin.DeactivateAccount(ctx, occupant, false); err != nil {
			return err
		}
		if err := e.admin.BlockRoom(ctx, mapping.RoomID); err != nil {
			return err
		}
		state.DisabledAt = &now
		if err := saveState(ctx, e.chat, e.serverName, mapping.RoomID, *state); err != nil {
			return err
		}
		metrics.AccountsDeactivated.Inc()
		e.logger.Info("deactivated absent user",
			"user", occupant, "room", mapping.RoomID)

	default:
		if cfg.DeleteAfter.Std() <= 0 || now.Sub(*state.DisabledAt) < cfg.DeleteAfter.Std() {
			return nil
		}
		if cfg.EraseMediaOnDelete {
			if err := e.admin.DeleteUserMedia(ctx, occupant); err != nil {
				return err
			}
		}
		if err := e.admin.DeleteRoom(ctx, mapping.RoomID, true, "This room has been retired."); err != nil {
			return err
		}
		metrics.RoomsDeleted.Inc()
		e.logger.Info("deleted retired direct room",
			"user", occupant, "room", mapping.RoomID)
	}
	return nil
}
