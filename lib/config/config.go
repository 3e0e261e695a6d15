// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the concierge
// daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - CONCIERGE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides. The
// engine receives a fully validated Config before the first tick.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conciergebot/concierge/lib/ref"
)

// Duration wraps time.Duration with YAML support for both Go duration
// strings ("90s", "48h") and plain integer seconds, which is what
// operators coming from the original deployment format expect.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the master configuration for the concierge daemon.
type Config struct {
	// Homeserver configures the Matrix server connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Directory configures the identity directory connection.
	Directory DirectoryConfig `yaml:"directory"`

	// Space configures the container space holding all managed rooms.
	Space SpaceConfig `yaml:"space"`

	// GroupSync configures directory-group to room reconciliation.
	GroupSync GroupSyncConfig `yaml:"group_sync"`

	// UserSync configures directory-user to account matching.
	UserSync UserSyncConfig `yaml:"user_sync"`

	// DirectRooms configures per-user onboarding rooms and the
	// disable/delete lifecycle for vanished users.
	DirectRooms DirectRoomsConfig `yaml:"direct_rooms"`

	// PowerLevels configures group-derived room power levels.
	PowerLevels PowerLevelsConfig `yaml:"power_levels"`

	// Metrics configures the Prometheus listener.
	Metrics MetricsConfig `yaml:"metrics"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// HomeserverConfig configures the Matrix server connection.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver
	// (e.g., "https://matrix.example.org").
	URL string `yaml:"url"`

	// ServerName is the Matrix server name as it appears in user IDs
	// and aliases (e.g., "example.org"). It also seeds the namespace
	// of the bot's hidden state events.
	ServerName string `yaml:"server_name"`

	// BotUserID is the bot's fully-qualified Matrix user ID.
	BotUserID string `yaml:"bot_user_id"`

	// AccessToken authenticates the bot. A "Bearer " prefix is
	// tolerated.
	AccessToken string `yaml:"access_token"`

	// AdminAPIPath is the mount point of the Synapse admin API.
	// Default: /_synapse/admin
	AdminAPIPath string `yaml:"admin_api_path"`
}

// DirectoryConfig configures the identity directory connection.
type DirectoryConfig struct {
	// URL is the root of the directory deployment
	// (e.g., "https://auth.example.org").
	URL string `yaml:"url"`

	// Token is the directory API token.
	Token string `yaml:"token"`

	// SyncInterval is the sleep between tick completions.
	// Default: 120s
	SyncInterval Duration `yaml:"sync_interval"`
}

// SpaceConfig configures the container space.
type SpaceConfig struct {
	// Alias is the space's canonical alias localpart (without the
	// leading '#' or the server name).
	Alias string `yaml:"alias"`

	// Name is the space display name, applied at creation.
	Name string `yaml:"name"`

	// Topic is the space topic, applied at creation.
	Topic string `yaml:"topic"`

	// CreateIfMissing creates the space when the alias does not
	// resolve. When false, a missing space is a fatal configuration
	// error.
	CreateIfMissing bool `yaml:"create_if_missing"`

	// CreateParams is passed through to the room creation request
	// (visibility, preset, ...).
	CreateParams map[string]any `yaml:"create_params"`
}

// GroupSyncConfig configures directory-group to room reconciliation.
type GroupSyncConfig struct {
	// Enabled turns group-room reconciliation on.
	Enabled bool `yaml:"enabled"`

	// FilterAttributes narrows candidate groups to those whose
	// attribute bag contains the given key/value pairs.
	FilterAttributes map[string]any `yaml:"filter_attributes"`

	// FilterNamePrefix narrows candidate groups by name prefix.
	FilterNamePrefix string `yaml:"filter_name_prefix"`

	// FilterParentIDs narrows candidate groups to children of the
	// given group ids.
	FilterParentIDs []string `yaml:"filter_parent_ids"`

	// FilterHasAttribute narrows candidate groups to those resolving
	// every listed dotted attribute path.
	FilterHasAttribute []string `yaml:"filter_has_attribute"`

	// FilterHasNonEmptyAttribute narrows candidate groups to those
	// resolving every listed dotted attribute path to a non-empty
	// value.
	FilterHasNonEmptyAttribute []string `yaml:"filter_has_nonempty_attribute"`

	// IgnoreGroups lists directory group ids that are never synced.
	IgnoreGroups []string `yaml:"ignore_groups"`

	// InviteMembers invites group members into the mapped room.
	InviteMembers bool `yaml:"invite_members"`

	// KickOnRemoval kicks room members no longer in the group.
	KickOnRemoval bool `yaml:"kick_on_removal"`

	// DefaultRoom is the room settings applied to every group room.
	DefaultRoom RoomSettings `yaml:"default_room"`

	// Rooms contains per-group overrides keyed by group id, merged
	// over DefaultRoom field-by-field (override wins).
	Rooms map[string]RoomSettings `yaml:"rooms"`
}

// RoomSettings derives a group room's alias, name, topic, avatar, and
// creation parameters. Pointer fields distinguish "unset" from an
// explicit zero when merging per-group overrides over defaults.
type RoomSettings struct {
	// AliasPrefix is prepended to the derived alias localpart.
	AliasPrefix *string `yaml:"alias_prefix"`

	// NamePrefix is prepended to the derived room name, unless the
	// live name already carries it.
	NamePrefix *string `yaml:"name_prefix"`

	// TopicPrefix is prepended to the derived topic.
	TopicPrefix *string `yaml:"topic_prefix"`

	// AliasAttribute is the dotted path into the group's attribute
	// bag yielding the alias localpart source. Falls back to the
	// group id when the path resolves empty.
	AliasAttribute *string `yaml:"alias_attribute"`

	// NameAttribute is the dotted path yielding the room name source.
	NameAttribute *string `yaml:"name_attribute"`

	// TopicAttribute is the dotted path yielding the topic source.
	TopicAttribute *string `yaml:"topic_attribute"`

	// AvatarURLAttribute is the dotted path yielding the avatar
	// source URL.
	AvatarURLAttribute *string `yaml:"avatar_url_attribute"`

	// ParamsAttribute is the dotted path yielding a per-group JSON
	// blob of room creation parameter overrides.
	ParamsAttribute *string `yaml:"params_attribute"`

	// Encrypted enables end-to-end encryption at room creation.
	Encrypted *bool `yaml:"encrypted"`

	// CreateParams is passed through to the room creation request.
	CreateParams map[string]any `yaml:"create_params"`
}

// Merge returns s with every set field of override applied on top.
func (s RoomSettings) Merge(override RoomSettings) RoomSettings {
	merged := s
	if override.AliasPrefix != nil {
		merged.AliasPrefix = override.AliasPrefix
	}
	if override.NamePrefix != nil {
		merged.NamePrefix = override.NamePrefix
	}
	if override.TopicPrefix != nil {
		merged.TopicPrefix = override.TopicPrefix
	}
	if override.AliasAttribute != nil {
		merged.AliasAttribute = override.AliasAttribute
	}
	if override.NameAttribute != nil {
		merged.NameAttribute = override.NameAttribute
	}
	if override.TopicAttribute != nil {
		merged.TopicAttribute = override.TopicAttribute
	}
	if override.AvatarURLAttribute != nil {
		merged.AvatarURLAttribute = override.AvatarURLAttribute
	}
	if override.ParamsAttribute != nil {
		merged.ParamsAttribute = override.ParamsAttribute
	}
	if override.Encrypted != nil {
		merged.Encrypted = override.Encrypted
	}
	if override.CreateParams != nil {
		merged.CreateParams = override.CreateParams
	}
	return merged
}

// AliasPrefixOr returns the alias prefix or fallback when unset.
func (s RoomSettings) AliasPrefixOr(fallback string) string {
	if s.AliasPrefix != nil {
		return *s.AliasPrefix
	}
	return fallback
}

// NamePrefixOr returns the name prefix or fallback when unset.
func (s RoomSettings) NamePrefixOr(fallback string) string {
	if s.NamePrefix != nil {
		return *s.NamePrefix
	}
	return fallback
}

// TopicPrefixOr returns the topic prefix or fallback when unset.
func (s RoomSettings) TopicPrefixOr(fallback string) string {
	if s.TopicPrefix != nil {
		return *s.TopicPrefix
	}
	return fallback
}

// IsEncrypted reports whether encryption is enabled.
func (s RoomSettings) IsEncrypted() bool {
	return s.Encrypted != nil && *s.Encrypted
}

// UserSyncConfig configures directory-user to account matching.
type UserSyncConfig struct {
	// UsernameAttribute is the dotted path on the directory user
	// yielding the Matrix localpart. Default: username
	UsernameAttribute string `yaml:"username_attribute"`

	// FilterPath narrows candidate users by directory path.
	FilterPath string `yaml:"filter_path"`

	// FilterAttributes narrows candidate users to those whose
	// attribute bag contains the given key/value pairs.
	FilterAttributes map[string]any `yaml:"filter_attributes"`

	// FilterGroupPKs narrows candidate users by group membership.
	FilterGroupPKs []string `yaml:"filter_group_pks"`

	// IgnoreUsernames lists directory usernames that are never
	// synced.
	IgnoreUsernames []string `yaml:"ignore_usernames"`

	// IgnoreAccounts lists Matrix user IDs that are never touched by
	// membership, lifecycle, or power-level phases.
	IgnoreAccounts []string `yaml:"ignore_accounts"`
}

// DirectRoomsConfig configures per-user onboarding rooms.
type DirectRoomsConfig struct {
	// Enabled turns direct-room management on.
	Enabled bool `yaml:"enabled"`

	// WelcomeMessages is the ordered list delivered once per index
	// per room, resumable across restarts.
	WelcomeMessages []string `yaml:"welcome_messages"`

	// DeactivateAfter is the grace period between a user vanishing
	// from the directory and the account being logged out and
	// deactivated. Zero disables the lifecycle entirely.
	DeactivateAfter Duration `yaml:"deactivate_after"`

	// DeleteAfter is the grace period between deactivation and the
	// room being deleted. Zero means disabled users are kept forever.
	DeleteAfter Duration `yaml:"delete_after"`

	// EraseMediaOnDelete also deletes the user's uploaded media when
	// the room is deleted.
	EraseMediaOnDelete bool `yaml:"erase_media_on_delete"`
}

// PowerLevelsConfig configures group-derived room power levels. The
// phase is off until explicitly enabled, since it is meaningless
// without an attribute or superuser rule to grant from.
type PowerLevelsConfig struct {
	// Enabled turns power-level reconciliation on.
	Enabled bool `yaml:"enabled"`

	// Attribute is the dotted path into a directory group's
	// attribute bag yielding that group's power level. Groups
	// without it are not rules.
	Attribute string `yaml:"attribute"`

	// SuperusersAreAdmins forces directory superusers to level 100
	// in every managed room, overriding rule-derived values.
	SuperusersAreAdmins bool `yaml:"superusers_are_admins"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	// Listen is the address for the /metrics endpoint
	// (e.g., ":9120"). Empty disables the listener.
	Listen string `yaml:"listen"`
}

// Default returns the default configuration. The config file is still
// required; these defaults only fill optional fields.
func Default() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			AdminAPIPath: "/_synapse/admin",
		},
		Directory: DirectoryConfig{
			SyncInterval: Duration(120 * time.Second),
		},
		Space: SpaceConfig{
			CreateIfMissing: true,
			CreateParams: map[string]any{
				"preset":     "private_chat",
				"visibility": "private",
			},
		},
		GroupSync: GroupSyncConfig{
			Enabled:       true,
			InviteMembers: true,
			KickOnRemoval: true,
		},
		UserSync: UserSyncConfig{
			UsernameAttribute: "username",
		},
		DirectRooms: DirectRoomsConfig{
			Enabled: true,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from the CONCIERGE_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("CONCIERGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CONCIERGE_CONFIG environment variable not set; " +
			"set it to the path of your concierge.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	}
	if c.Homeserver.ServerName == "" {
		errs = append(errs, fmt.Errorf("homeserver.server_name is required"))
	}
	if c.Homeserver.BotUserID == "" {
		errs = append(errs, fmt.Errorf("homeserver.bot_user_id is required"))
	} else if _, err := ref.ParseUserID(c.Homeserver.BotUserID); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.bot_user_id: %w", err))
	}
	if c.Homeserver.AccessToken == "" {
		errs = append(errs, fmt.Errorf("homeserver.access_token is required"))
	}

	if c.Directory.URL == "" {
		errs = append(errs, fmt.Errorf("directory.url is required"))
	}
	if c.Directory.Token == "" {
		errs = append(errs, fmt.Errorf("directory.token is required"))
	}
	if c.Directory.SyncInterval.Std() <= 0 {
		errs = append(errs, fmt.Errorf("directory.sync_interval must be positive"))
	}

	if c.Space.Alias == "" {
		errs = append(errs, fmt.Errorf("space.alias is required"))
	} else if strings.ContainsAny(c.Space.Alias, "#:") {
		errs = append(errs, fmt.Errorf("space.alias must be a bare localpart, without '#' or server name"))
	}

	for _, account := range c.UserSync.IgnoreAccounts {
		if _, err := ref.ParseUserID(account); err != nil {
			errs = append(errs, fmt.Errorf("user_sync.ignore_accounts: %w", err))
		}
	}

	if c.PowerLevels.Enabled && c.PowerLevels.Attribute == "" && !c.PowerLevels.SuperusersAreAdmins {
		errs = append(errs, fmt.Errorf("power_levels.attribute is required when power_levels.enabled and no superuser rule is set"))
	}

	if c.DirectRooms.DeleteAfter.Std() > 0 && c.DirectRooms.DeactivateAfter.Std() <= 0 {
		errs = append(errs, fmt.Errorf("direct_rooms.delete_after requires direct_rooms.deactivate_after"))
	}

	if !slices.Contains(logLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of: %v", logLevels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
