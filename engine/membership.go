// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/conciergebot/concierge/directory"
	"github.com/conciergebot/concierge/lib/attrpath"
	"github.com/conciergebot/concierge/lib/config"
	"github.com/conciergebot/concierge/lib/metrics"
	"github.com/conciergebot/concierge/lib/ref"
	"github.com/conciergebot/concierge/messaging"
)

// GroupRoomMapping pairs one directory group with at most one managed
// room and the freshly computed target attributes. Tick-scoped, never
// persisted.
type GroupRoomMapping struct {
	Group    directory.Group
	Settings config.RoomSettings
	Target   TargetRoomAttributes

	// Room is the live room matched by canonical alias, nil when no
	// room exists yet.
	Room   *messaging.HierarchyRoom
	RoomID ref.RoomID

	// State is the room's hidden record, loaded when Room is set.
	State *GroupRoomState
}

// UserAccountMapping pairs one directory user with its Matrix account.
// Tick-scoped, never persisted.
type UserAccountMapping struct {
	User      directory.User
	AccountID ref.UserID

	// Account is the matched admin-API account record.
	Account *messaging.Account
}

// listGroupRoomMappings fetches candidate groups, derives their target
// attributes, and pairs each with the space room whose canonical alias
// matches exactly. First match wins and matched rooms leave the
// candidate pool, so no room is paired twice.
func (e *Engine) listGroupRoomMappings(ctx context.Context, space *Space) ([]GroupRoomMapping, error) {
	sync := e.settings.GroupSync
	groups, err := e.dir.ListGroups(ctx, directory.GroupFilter{
		Attributes:           sync.FilterAttributes,
		NamePrefix:           sync.FilterNamePrefix,
		ParentIDs:            sync.FilterParentIDs,
		HasAttribute:         sync.FilterHasAttribute,
		HasNonEmptyAttribute: sync.FilterHasNonEmptyAttribute,
	})
	if err != nil {
		return nil, err
	}

	rooms, err := e.chat.SpaceChildren(ctx, space.RoomID)
	if err != nil {
		return nil, err
	}
	pool := make([]*messaging.HierarchyRoom, 0, len(rooms))
	for i := range rooms {
		if rooms[i].RoomType == "m.space" {
			continue
		}
		pool = append(pool, &rooms[i])
	}

	var mappings []GroupRoomMapping
	for _, group := range groups {
		if slices.Contains(sync.IgnoreGroups, group.PK) {
			continue
		}

		settings := e.roomSettings(group.PK)
		target, err := e.mapGroup(group, settings)
		if err != nil {
			return nil, err
		}

		mapping := GroupRoomMapping{Group: group, Settings: settings, Target: target}
		for i, room := range pool {
			if room == nil || room.CanonicalAlias != target.Alias.String() {
				continue
			}
			state, err := loadState[GroupRoomState](ctx, e.chat, e.serverName, room.RoomID)
			if err != nil {
				return nil, err
			}
			if state == nil {
				e.logger.Warn("alias collision with unmanaged room, skipping group",
					"group", group.PK, "alias", target.Alias.String(), "room_id", room.RoomID)
				mapping.Room = nil
			} else {
				mapping.Room = room
				mapping.RoomID = room.RoomID
				mapping.State = state
			}
			pool[i] = nil
			break
		}
		if mapping.Room == nil && mapping.RoomID.IsZero() && aliasTakenOutsidePool(rooms, target.Alias) {
			// The unmanaged-collision case above already cleared the
			// pool slot; nothing more to do for this group.
			continue
		}
		mappings = append(mappings, mapping)
	}
	return mappings, nil
}

// aliasTakenOutsidePool reports whether any space child carries the
// alias, used to tell "no room yet" apart from "room exists but is
// unmanaged".
func aliasTakenOutsidePool(rooms []messaging.HierarchyRoom, alias ref.RoomAlias) bool {
	for _, room := range rooms {
		if room.CanonicalAlias == alias.String() {
			return true
		}
	}
	return false
}

// ensureGroupRooms creates a room for every mapping that has none,
// writing the GroupRoomState record and linking the room into the
// space in both directions.
func (e *Engine) ensureGroupRooms(ctx context.Context, space *Space, mappings []GroupRoomMapping) error {
	for i := range mappings {
		mapping := &mappings[i]
		if !mapping.RoomID.IsZero() {
			continue
		}

		request := messaging.CreateRoomRequest{
			Name:  mapping.Target.Name,
			Topic: mapping.Target.Topic,
			Alias: mapping.Target.AliasLocalpart,
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
		applyCreateParams(&request, mapping.Target.CreateParams)
		if mapping.Target.Encrypted {
			request.InitialState = append(request.InitialState, messaging.StateEvent{
				Type:     "m.room.encryption",
				StateKey: "",
				Content:  map[string]any{"algorithm": "m.megolm.v1.aes-sha2"},
			})
		}

		roomID, err := e.chat.CreateRoom(ctx, request)
		if err != nil {
			return fmt.Errorf("creating room %q for group %q: %w", mapping.Target.Alias, mapping.Group.PK, err)
		}
		metrics.RoomsCreated.WithLabelValues("group").Inc()

		state := GroupRoomState{GroupID: mapping.Group.PK}
		if err := saveState(ctx, e.chat, e.serverName, roomID, state); err != nil {
			return err
		}

		if _, err := e.chat.SendStateEvent(ctx, space.RoomID, "m.space.child", roomID.String(), map[string]any{
			"via": []string{e.serverName},
		}); err != nil {
			return fmt.Errorf("linking room %q into space: %w", roomID, err)
		}

		mapping.RoomID = roomID
		mapping.State = &state
	}
	return nil
}

// listUserAccountMappings fetches candidate directory users, derives
// each one's Matrix account id, and matches it against the server's
// account list. Directory users with no matching account are dropped:
// account provisioning is someone else's job.
func (e *Engine) listUserAccountMappings(ctx context.Context) ([]UserAccountMapping, error) {
	sync := e.settings.UserSync
	users, err := e.dir.ListUsers(ctx, directory.UserFilter{
		Path:       sync.FilterPath,
		Attributes: sync.FilterAttributes,
		GroupPKs:   sync.FilterGroupPKs,
	})
	if err != nil {
		return nil, err
	}

	list, err := e.admin.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make(map[string]*messaging.Account, len(list))
	for i := range list {
		accounts[list[i].Name.String()] = &list[i]
	}

	var mappings []UserAccountMapping
	for _, user := range users {
		if slices.Contains(sync.IgnoreUsernames, user.Username) {
			continue
		}

		accountID, err := e.deriveAccountID(user)
		if err != nil {
			return nil, err
		}
		if e.isIgnoredAccount(accountID) {
			continue
		}

		if account, ok := accounts[accountID.String()]; ok {
			mappings = append(mappings, UserAccountMapping{User: user, AccountID: accountID, Account: account})
		}
	}
	return mappings, nil
}

// deriveAccountID resolves the configured username attribute on a
// directory user into a Matrix user id. A user whose attribute path
// does not resolve aborts the mapping phase: there is no sane
// fallback, and silently skipping would desynchronize membership.
func (e *Engine) deriveAccountID(user directory.User) (ref.UserID, error) {
	bag := map[string]any{
		"username":   user.Username,
		"name":       user.Name,
		"attributes": user.Attributes,
	}
	localpart, err := attrpath.String(bag, e.settings.UserSync.UsernameAttribute)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("engine: user %q has no value at %q: %w",
			user.Username, e.settings.UserSync.UsernameAttribute, err)
	}
	if localpart == "" {
		return ref.UserID{}, fmt.Errorf("engine: user %q has an empty value at %q",
			user.Username, e.settings.UserSync.UsernameAttribute)
	}
	return ref.MatrixUserID(strings.ToLower(localpart), e.serverName), nil
}

func (e *Engine) isIgnoredAccount(accountID ref.UserID) bool {
	return slices.Contains(e.settings.UserSync.IgnoreAccounts, accountID.String())
}

// userInGroup reports exact membership of a directory user in a group,
// by group id equality.
func userInGroup(user directory.User, group directory.Group) bool {
	return slices.Contains(user.Groups, group.PK)
}

// syncRoomMembership converges every mapped room's member list toward
// its group's membership: missing group members are joined, members no
// longer in the group are kicked when removal is enabled. Comparison
// is exact account-id equality; invite and kick operations are
// independent and idempotent, so their order does not matter.
func (e *Engine) syncRoomMembership(ctx context.Context, mappings []GroupRoomMapping, userMappings []UserAccountMapping) error {
	sync := e.settings.GroupSync
	if !sync.InviteMembers && !sync.KickOnRemoval {
		return nil
	}

	userByAccount := make(map[string]directory.User, len(userMappings))
	for _, mapping := range userMappings {
		userByAccount[mapping.AccountID.String()] = mapping.User
	}

	for _, mapping := range mappings {
		if mapping.RoomID.IsZero() {
			continue
		}

		members, err := e.admin.ListRoomMembers(ctx, mapping.RoomID)
		if err != nil {
			return err
		}
		memberSet := make(map[string]bool, len(members))
		for _, member := range members {
			memberSet[member.String()] = true
		}

		if sync.InviteMembers {
			for _, userMapping := range userMappings {
				if !userInGroup(userMapping.User, mapping.Group) {
					continue
				}
				if memberSet[userMapping.AccountID.String()] {
					continue
				}
				if err := e.admin.AddUserToRoom(ctx, mapping.RoomID, userMapping.AccountID); err != nil {
					return err
				}
				metrics.Invites.Inc()
				e.logger.Info("added user to room",
					"user", userMapping.AccountID, "room", mapping.RoomID, "group", mapping.Group.PK)
			}
		}

		if sync.KickOnRemoval {
			for _, member := range members {
				if member == e.botUserID || e.isIgnoredAccount(member) {
					continue
				}
				user, mapped := userByAccount[member.String()]
				if !mapped || userInGroup(user, mapping.Group) {
					continue
				}
				reason := fmt.Sprintf("no longer a member of directory group %q", mapping.Group.Name)
				if err := e.chat.KickUser(ctx, mapping.RoomID, member, reason); err != nil {
					return err
				}
				metrics.Kicks.Inc()
				e.logger.Info("kicked user from room",
					"user", member, "room", mapping.RoomID, "group", mapping.Group.PK)
			}
		}
	}
	return nil
}
