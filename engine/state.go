// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/conciergebot/concierge/lib/ref"
	"github.com/conciergebot/concierge/messaging"
)

// RoomRole tags the bot's hidden state records. The tag appears both
// inside the record and as the final segment of the event type it is
// stored under, making records self-describing on re-read.
type RoomRole string

const (
	RoleSpace  RoomRole = "space"
	RoleGroup  RoomRole = "group.room"
	RoleDirect RoomRole = "direct.room"
)

// botNamespace is the fixed identifier segment of the bot's custom
// state event types.
const botNamespace = "concierge"

// StateEventType derives the namespaced event type under which a
// role's record is stored. The server's domain labels are reversed so
// the namespace can never collide with native protocol state:
// "chat.example.org" becomes "org.example.chat.concierge.<role>".
func StateEventType(serverName string, role RoomRole) ref.EventType {
	labels := strings.Split(serverName, ".")
	slices.Reverse(labels)
	return ref.EventType(strings.Join(labels, ".") + "." + botNamespace + "." + string(role))
}

// SpaceState marks the container space. Exactly one exists, on the
// space room itself.
type SpaceState struct {
	RoomType RoomRole `json:"room_type"`

	// DirectoryServer records which directory deployment this space
	// was created for.
	DirectoryServer string `json:"directory_server"`
}

// GroupRoomState links a managed room back to its directory group.
type GroupRoomState struct {
	RoomType RoomRole `json:"room_type"`

	// GroupID is the directory group's stable id.
	GroupID string `json:"group_id"`

	// AvatarSourceURL is the source URL of the last-applied avatar,
	// compared before re-resolving media.
	AvatarSourceURL string `json:"avatar_source_url,omitempty"`
}

// DirectRoomState records a per-user onboarding room and the user's
// disable/delete lifecycle.
type DirectRoomState struct {
	RoomType RoomRole `json:"room_type"`

	// UserID is the Matrix account of the room's occupant.
	UserID ref.UserID `json:"user_id"`

	// WelcomeMessagesSent maps delivered welcome-message indices to
	// the event id of the delivery. Sparse and append-only; an index
	// present here is never re-sent.
	WelcomeMessagesSent map[string]string `json:"welcome_messages_sent,omitempty"`

	// MarkedForDisablingAt is set when the occupant first vanishes
	// from the directory. Cleared on reappearance.
	MarkedForDisablingAt *time.Time `json:"marked_for_disabling_at,omitempty"`

	// DisabledAt is set when the account has been logged out and
	// deactivated after the grace period.
	DisabledAt *time.Time `json:"disabled_at,omitempty"`

	// AvatarSourceURL is the source URL of the last-applied avatar.
	// Part of the shared record format; attribute sync only sources
	// avatars for group rooms, so direct rooms leave it empty.
	AvatarSourceURL string `json:"avatar_source_url,omitempty"`
}

// roleTag returns the room_type tag a record of type T must carry.
func roleTag[T any]() RoomRole {
	var record T
	switch any(record).(type) {
	case SpaceState:
		return RoleSpace
	case GroupRoomState:
		return RoleGroup
	case DirectRoomState:
		return RoleDirect
	}
	panic(fmt.Sprintf("engine: no role for record type %T", record))
}

func recordRole(record any) RoomRole {
	switch typed := record.(type) {
	case SpaceState:
		return typed.RoomType
	case GroupRoomState:
		return typed.RoomType
	case DirectRoomState:
		return typed.RoomType
	}
	panic(fmt.Sprintf("engine: unsupported record type %T", record))
}

// loadState reads a room's hidden record of type T. Returns (nil, nil)
// when the room carries no such record, meaning the room is not
// managed in that role. A record whose embedded tag disagrees with the
// event type it was stored under is rejected.
func loadState[T any](ctx context.Context, reader messaging.StateReader, serverName string, roomID ref.RoomID) (*T, error) {
	role := roleTag[T]()
	eventType := StateEventType(serverName, role)

	record, err := messaging.GetState[T](ctx, reader, roomID, eventType, "")
	if err != nil {
		if messaging.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	if got := recordRole(record); got != role {
		return nil, fmt.Errorf("engine: state record in %q stored under %q carries tag %q", roomID, eventType, got)
	}
	return &record, nil
}

// saveState writes a room's hidden record, stamping the role tag that
// matches the event type.
func saveState[T any](ctx context.Context, chat ChatAPI, serverName string, roomID ref.RoomID, record T) error {
	role := roleTag[T]()
	stamped := stampRole(record, role)
	_, err := chat.SendStateEvent(ctx, roomID, StateEventType(serverName, role), "", stamped)
	if err != nil {
		return fmt.Errorf("engine: failed to persist %s state for %q: %w", role, roomID, err)
	}
	return nil
}

func stampRole[T any](record T, role RoomRole) T {
	switch typed := any(record).(type) {
	case SpaceState:
		typed.RoomType = role
		return any(typed).(T)
	case GroupRoomState:
		typed.RoomType = role
		return any(typed).(T)
	case DirectRoomState:
		typed.RoomType = role
		return any(typed).(T)
	}
	return record
}
