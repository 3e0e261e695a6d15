// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/conciergebot/concierge/directory"
	"github.com/conciergebot/concierge/lib/attrpath"
	"github.com/conciergebot/concierge/lib/metrics"
	"github.com/conciergebot/concierge/lib/ref"
)

// powerLevelRule grants one level to every member of one group.
type powerLevelRule struct {
	Group directory.Group
	Level int64
}

// syncPowerLevels converges the user power levels of the space and
// every managed group room. Grant rules come from directory groups
// carrying the configured level attribute and apply in ascending level
// order, so a user in several granting groups ends at the highest
// level. A rule only grants to users actually joined to the room being
// written: the per-user level table is intersected with each room's
// live member list, so nobody holds power in a room before joining it.
// The bot keeps level 100 unconditionally. Entries for users no longer
// covered by any rule are left untouched.
func (e *Engine) syncPowerLevels(ctx context.Context, space *Space, groupMappings []GroupRoomMapping, userMappings []UserAccountMapping) error {
	cfg := e.settings.PowerLevels

	var rules []powerLevelRule
	if cfg.Attribute != "" {
		groups, err := e.dir.ListGroups(ctx, directory.GroupFilter{
			HasNonEmptyAttribute: []string{cfg.Attribute},
		})
		if err != nil {
			return err
		}
		for _, group := range groups {
			level, err := attrpath.Number(group.Attributes, cfg.Attribute)
			if err != nil {
				return fmt.Errorf("group %q has a non-numeric value at %q: %w", group.PK, cfg.Attribute, err)
			}
			rules = append(rules, powerLevelRule{Group: group, Level: int64(level)})
		}
		sort.SliceStable(rules, func(i, j int) bool { return rules[i].Level < rules[j].Level })
	}

	levels := make(map[string]int64)
	for _, rule := range rules {
		for _, userMapping := range userMappings {
			if userInGroup(userMapping.User, rule.Group) {
				levels[userMapping.AccountID.String()] = rule.Level
			}
		}
	}
	if cfg.SuperusersAreAdmins {
		for _, userMapping := range userMappings {
			if userMapping.User.IsSuperuser {
				levels[userMapping.AccountID.String()] = 100
			}
		}
	}

	roomIDs := []ref.RoomID{space.RoomID}
	for _, mapping := range groupMappings {
		if !mapping.RoomID.IsZero() {
			roomIDs = append(roomIDs, mapping.RoomID)
		}
	}

	for _, roomID := range roomIDs {
		members, err := e.admin.ListRoomMembers(ctx, roomID)
		if err != nil {
			return err
		}
		targets := make(map[string]int64, len(members)+1)
		for _, member := range members {
			if level, ok := levels[member.String()]; ok {
				targets[member.String()] = level
			}
		}
		targets[e.botUserID.String()] = 100
		if err := e.applyPowerLevels(ctx, roomID, targets); err != nil {
			return err
		}
	}
	return nil
}

// applyPowerLevels overlays targets onto one room's current power
// level content and commits only when a user entry actually changes.
// All non-user sections of the event pass through untouched.
func (e *Engine) applyPowerLevels(ctx context.Context, roomID ref.RoomID, targets map[string]int64) error {
	content, err := e.chat.GetPowerLevels(ctx, roomID)
	if err != nil {
		return err
	}

	current := normalizeUserLevels(content["users"])
	desired := make(map[string]int64, len(current)+len(targets))
	for user, level := range current {
		desired[user] = level
	}
	for user, level := range targets {
		desired[user] = level
	}
	if userLevelsEqual(current, desired) {
		return nil
	}

	content["users"] = desired
	if err := e.chat.SetPowerLevels(ctx, roomID, content); err != nil {
		return err
	}
	metrics.PowerLevelCommits.Inc()
	e.logger.Info("committed power levels", "room", roomID, "users", len(desired))
	return nil
}

// normalizeUserLevels converts the decoded users section into integer
// levels. JSON decoding yields float64 values; anything else is
// dropped rather than guessed at.
func normalizeUserLevels(raw any) map[string]int64 {
	levels := make(map[string]int64)
	users, ok := raw.(map[string]any)
	if !ok {
		return levels
	}
	for user, value := range users {
		switch typed := value.(type) {
		case float64:
			levels[user] = int64(typed)
		case int64:
			levels[user] = typed
		case int:
			levels[user] = int64(typed)
		}
	}
	return levels
}

func userLevelsEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for user, level := range a {
		other, ok := b[user]
		if !ok || other != level {
			return false
		}
	}
	return true
}
