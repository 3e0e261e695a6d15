// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/conciergebot/concierge/directory"
	"github.com/conciergebot/concierge/lib/attrpath"
	"github.com/conciergebot/concierge/lib/config"
	"github.com/conciergebot/concierge/lib/ref"
)

// TargetRoomAttributes is the per-tick computed desired state of one
// group room.
type TargetRoomAttributes struct {
	AliasLocalpart string
	Alias          ref.RoomAlias
	Name           string
	Topic          string
	AvatarURL      string
	Encrypted      bool
	CreateParams   map[string]any
}

// roomSettings returns the effective settings for a group: the
// per-group override merged over the defaults, override wins
// field-by-field.
func (e *Engine) roomSettings(groupID string) config.RoomSettings {
	settings := e.settings.GroupSync.DefaultRoom
	if override, ok := e.settings.GroupSync.Rooms[groupID]; ok {
		settings = settings.Merge(override)
	}
	return settings
}

// mapGroup derives the target room attributes for one directory group.
func (e *Engine) mapGroup(group directory.Group, settings config.RoomSettings) (TargetRoomAttributes, error) {
	var target TargetRoomAttributes

	aliasSource := group.PK
	if settings.AliasAttribute != nil {
		if value := attrpath.StringOr(group.Attributes, *settings.AliasAttribute, ""); value != "" {
			aliasSource = value
		}
	}
	target.AliasLocalpart = sanitizeAliasLocalpart(settings.AliasPrefixOr("") + aliasSource)
	if target.AliasLocalpart == "" {
		return target, fmt.Errorf("engine: group %q yields an empty room alias", group.PK)
	}
	target.Alias = ref.RoomAliasFrom(target.AliasLocalpart, e.serverName)

	nameSource := group.Name
	if settings.NameAttribute != nil {
		if value := attrpath.StringOr(group.Attributes, *settings.NameAttribute, ""); value != "" {
			nameSource = value
		}
	}
	target.Name = applyPrefix(settings.NamePrefixOr(""), nameSource)

	if settings.TopicAttribute != nil {
		if value := attrpath.StringOr(group.Attributes, *settings.TopicAttribute, ""); value != "" {
			target.Topic = settings.TopicPrefixOr("") + value
		}
	}

	if settings.AvatarURLAttribute != nil {
		target.AvatarURL = attrpath.StringOr(group.Attributes, *settings.AvatarURLAttribute, "")
	}

	target.Encrypted = settings.IsEncrypted()

	params := maps.Clone(settings.CreateParams)
	if params == nil {
		params = map[string]any{}
	}
	if settings.ParamsAttribute != nil {
		override, err := groupCreateParams(group, *settings.ParamsAttribute)
		if err != nil {
			return target, err
		}
		maps.Copy(params, override)
	}
	target.CreateParams = params

	return target, nil
}

// groupCreateParams reads a per-group creation-parameter override from
// a JSON blob stored at the given attribute path. The blob is operator
// authored inside the directory UI, so comments and trailing commas
// are tolerated. A structured (already-decoded) map at the path is
// accepted as-is.
func groupCreateParams(group directory.Group, path string) (map[string]any, error) {
	value, err := attrpath.Lookup(group.Attributes, path)
	if err != nil {
		if attrpath.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	switch typed := value.(type) {
	case map[string]any:
		return typed, nil
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil, nil
		}
		var params map[string]any
		if err := json.Unmarshal(jsonc.ToJSON([]byte(typed)), &params); err != nil {
			return nil, fmt.Errorf("engine: group %q attribute %q is not a parameter object: %w", group.PK, path, err)
		}
		return params, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("engine: group %q attribute %q is not a parameter object", group.PK, path)
	}
}

// applyPrefix prepends prefix unless value already carries it, so a
// re-derived name never stacks prefixes across ticks.
func applyPrefix(prefix, value string) string {
	if prefix == "" || strings.HasPrefix(value, prefix) {
		return value
	}
	return prefix + value
}

// sanitizeAliasLocalpart lowercases the candidate and strips every
// character outside the conservative alias-safe set. Hyphens and
// spaces are stripped rather than substituted, matching how group
// names collapse into aliases.
func sanitizeAliasLocalpart(candidate string) string {
	var builder strings.Builder
	for _, r := range strings.ToLower(candidate) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '=':
			builder.WriteRune(r)
		}
	}
	return builder.String()
}
