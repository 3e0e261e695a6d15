// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/conciergebot/concierge/directory"
	"github.com/conciergebot/concierge/lib/config"
	"github.com/conciergebot/concierge/messaging"
)

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestTickCreatesSpaceAndGroupRoom(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.GroupSync.DefaultRoom.Encrypted = boolPtr(true)
	})
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}}
	dir.users = []directory.User{directoryUser("alice", "g1")}
	server.addAccount("@alice:test.local")

	mustTick(t, engine)

	space := server.roomByAlias(t, "#lobby:test.local")
	if !space.isSpace {
		t.Fatal("container room is not a space")
	}
	var spaceState SpaceState
	raw := space.state[space.stateKeyFor(StateEventType(testServerName, RoleSpace), "")]
	if err := json.Unmarshal(raw, &spaceState); err != nil {
		t.Fatalf("space state: %v", err)
	}
	if spaceState.RoomType != RoleSpace {
		t.Fatalf("space state tag = %q, want %q", spaceState.RoomType, RoleSpace)
	}

	room := server.roomByAlias(t, "#g1:test.local")
	if room.isSpace {
		t.Fatal("group room created as a space")
	}
	if room.name != "G1" {
		t.Fatalf("room name = %q, want G1", room.name)
	}
	if _, ok := room.state[room.stateKeyFor("m.room.encryption", "")]; !ok {
		t.Fatal("group room is not encrypted")
	}
	if !space.children[room.id.String()] {
		t.Fatal("group room is not a space child")
	}

	var roomState GroupRoomState
	raw = room.state[room.stateKeyFor(StateEventType(testServerName, RoleGroup), "")]
	if err := json.Unmarshal(raw, &roomState); err != nil {
		t.Fatalf("group room state: %v", err)
	}
	if roomState.GroupID != "g1" {
		t.Fatalf("group room state GroupID = %q, want g1", roomState.GroupID)
	}

	if !room.members["@alice:test.local"] {
		t.Fatal("alice was not added to the group room")
	}
}

func TestSecondTickIsIdempotent(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, nil)
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}, {PK: "g2", Name: "G2"}}
	dir.users = []directory.User{
		directoryUser("alice", "g1"),
		directoryUser("bob", "g1", "g2"),
	}
	server.addAccount("@alice:test.local")
	server.addAccount("@bob:test.local")

	mustTick(t, engine)

	roomsBefore := len(server.rooms)
	joinsBefore := len(server.joins)
	kicksBefore := len(server.kicks)
	commitsBefore := server.powerCommits

	mustTick(t, engine)

	if len(server.rooms) != roomsBefore {
		t.Fatalf("second tick changed room count: %d -> %d", roomsBefore, len(server.rooms))
	}
	if len(server.joins) != joinsBefore {
		t.Fatalf("second tick joined users: %v", server.joins[joinsBefore:])
	}
	if len(server.kicks) != kicksBefore {
		t.Fatalf("second tick kicked users: %v", server.kicks[kicksBefore:])
	}
	if server.powerCommits != commitsBefore {
		t.Fatal("second tick committed power levels without drift")
	}
}

func TestMembershipConvergesToGroup(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, nil)
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}}
	dir.users = []directory.User{
		directoryUser("alice", "g1"),
		directoryUser("bob"),
	}
	server.addAccount("@alice:test.local")
	server.addAccount("@bob:test.local")

	mustTick(t, engine)

	room := server.roomByAlias(t, "#g1:test.local")
	// Drift: bob joined on his own, alice left.
	room.members["@bob:test.local"] = true
	delete(room.members, "@alice:test.local")

	mustTick(t, engine)

	if !room.members["@alice:test.local"] {
		t.Fatal("alice was not re-added")
	}
	if room.members["@bob:test.local"] {
		t.Fatal("bob was not kicked")
	}
	if !room.members["@bot:test.local"] {
		t.Fatal("the bot must never kick itself")
	}
}

func TestKickDisabledLeavesExtraMembers(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.GroupSync.KickOnRemoval = false
	})
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}}
	dir.users = []directory.User{directoryUser("alice", "g1"), directoryUser("bob")}
	server.addAccount("@alice:test.local")
	server.addAccount("@bob:test.local")

	mustTick(t, engine)
	room := server.roomByAlias(t, "#g1:test.local")
	room.members["@bob:test.local"] = true

	mustTick(t, engine)

	if !room.members["@bob:test.local"] {
		t.Fatal("bob was kicked despite kick_on_removal being off")
	}
	if len(server.kicks) != 0 {
		t.Fatalf("kicks recorded: %v", server.kicks)
	}
}

func TestUnmappedAccountsAreNeverKicked(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, nil)
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}}
	dir.users = []directory.User{directoryUser("alice", "g1")}
	server.addAccount("@alice:test.local")

	mustTick(t, engine)
	room := server.roomByAlias(t, "#g1:test.local")
	// A member with no directory counterpart is outside the bot's
	// jurisdiction.
	room.members["@visitor:test.local"] = true

	mustTick(t, engine)

	if !room.members["@visitor:test.local"] {
		t.Fatal("unmapped member was kicked")
	}
}

func TestIgnoredGroupsAndUsers(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.GroupSync.IgnoreGroups = []string{"g2"}
		cfg.UserSync.IgnoreUsernames = []string{"bob"}
		cfg.UserSync.IgnoreAccounts = []string{"@carol:test.local"}
	})
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}, {PK: "g2", Name: "G2"}}
	dir.users = []directory.User{
		directoryUser("alice", "g1"),
		directoryUser("bob", "g1"),
		directoryUser("carol", "g1"),
	}
	server.addAccount("@alice:test.local")
	server.addAccount("@bob:test.local")
	server.addAccount("@carol:test.local")

	mustTick(t, engine)

	if _, ok := server.aliases["#g2:test.local"]; ok {
		t.Fatal("ignored group got a room")
	}
	room := server.roomByAlias(t, "#g1:test.local")
	if room.members["@bob:test.local"] {
		t.Fatal("ignored username was added")
	}
	if room.members["@carol:test.local"] {
		t.Fatal("ignored account was added")
	}
	if !room.members["@alice:test.local"] {
		t.Fatal("alice missing")
	}
}

func TestUsersWithoutAccountsAreDropped(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, nil)
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}}
	dir.users = []directory.User{directoryUser("alice", "g1"), directoryUser("ghost", "g1")}
	server.addAccount("@alice:test.local")

	mustTick(t, engine)

	room := server.roomByAlias(t, "#g1:test.local")
	if room.members["@ghost:test.local"] {
		t.Fatal("directory user without an account was added")
	}
}

func TestUsernameAttributeDerivesAccountID(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.UserSync.UsernameAttribute = "attributes.chat_handle"
	})
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}}
	user := directoryUser("alice", "g1")
	user.Attributes = map[string]any{"chat_handle": "Alice.Chat"}
	dir.users = []directory.User{user}
	server.addAccount("@alice.chat:test.local")

	mustTick(t, engine)

	room := server.roomByAlias(t, "#g1:test.local")
	if !room.members["@alice.chat:test.local"] {
		t.Fatal("lowercased attribute value was not used as the localpart")
	}
}

func TestUsernameAttributeMissingAbortsTick(t *testing.T) {
	engine, _, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.UserSync.UsernameAttribute = "attributes.chat_handle"
	})
	dir.users = []directory.User{directoryUser("alice")}

	err := engine.Tick(context.Background())
	if err == nil {
		t.Fatal("expected an error for a user without the username attribute")
	}
	if !strings.Contains(err.Error(), "alice") {
		t.Fatalf("error does not name the user: %v", err)
	}
}

func TestUnmanagedAliasCollisionSkipsGroup(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.DirectRooms.Enabled = false
	})
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}}
	dir.users = []directory.User{directoryUser("alice", "g1")}
	server.addAccount("@alice:test.local")

	// A pre-existing, unmanaged room already holds #g1 and sits in the
	// space.
	mustTick(t, engine)
	space := server.roomByAlias(t, "#lobby:test.local")
	managed := server.roomByAlias(t, "#g1:test.local")
	delete(managed.state, managed.stateKeyFor(StateEventType(testServerName, RoleGroup), ""))
	memberCount := len(managed.members)

	mustTick(t, engine)

	if len(server.rooms) != 2 {
		t.Fatalf("room count = %d, want 2 (space + unmanaged)", len(server.rooms))
	}
	if len(managed.members) != memberCount {
		t.Fatal("unmanaged room membership was mutated")
	}
	if !space.children[managed.id.String()] {
		t.Fatal("unmanaged room removed from space")
	}
}

func TestSpaceMissingWithoutCreateIsConfigurationError(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Space.CreateIfMissing = false
	})

	err := engine.Tick(context.Background())
	if !IsConfigurationError(err) {
		t.Fatalf("got %v, want a configuration error", err)
	}
}

func TestPreexistingSpaceIsAdopted(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Space.CreateIfMissing = false
	})
	room, err := server.createRoom(toCreateSpaceRequest("lobby", "Handmade Lobby"))
	if err != nil {
		t.Fatalf("seeding space: %v", err)
	}
	dir.groups = []directory.Group{{PK: "g1", Name: "G1"}}

	mustTick(t, engine)

	raw, ok := room.state[room.stateKeyFor(StateEventType(testServerName, RoleSpace), "")]
	if !ok {
		t.Fatal("adopted space carries no marker record")
	}
	var state SpaceState
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("space state: %v", err)
	}
	if state.DirectoryServer != "https://idp.test" {
		t.Fatalf("DirectoryServer = %q", state.DirectoryServer)
	}
	if _, ok := server.aliases["#g1:test.local"]; !ok {
		t.Fatal("group room was not created under the adopted space")
	}
}

func TestGroupSyncDisabledStillRunsDirectRooms(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.GroupSync.Enabled = false
		cfg.DirectRooms.WelcomeMessages = []string{"hello"}
	})
	dir.users = []directory.User{directoryUser("alice")}
	server.addAccount("@alice:test.local")

	mustTick(t, engine)

	if _, ok := server.aliases["#g1:test.local"]; ok {
		t.Fatal("group room created with group sync disabled")
	}
	space := server.roomByAlias(t, "#lobby:test.local")
	if len(space.children) != 1 {
		t.Fatalf("space children = %d, want the direct room only", len(space.children))
	}
}

func TestCreateParamsReachTheRequest(t *testing.T) {
	var request messaging.CreateRoomRequest
	applyCreateParams(&request, map[string]any{
		"visibility":   "public",
		"preset":       "public_chat",
		"room_version": "10",
		"invite_3pid":  []any{map[string]any{"medium": "email"}},
	})

	if request.Visibility != "public" || request.Preset != "public_chat" {
		t.Fatalf("typed fields not mapped: %+v", request)
	}
	if request.Extra["room_version"] != "10" {
		t.Fatalf("room_version dropped: %v", request.Extra)
	}
	if _, ok := request.Extra["invite_3pid"]; !ok {
		t.Fatalf("invite_3pid dropped: %v", request.Extra)
	}
	if _, ok := request.Extra["visibility"]; ok {
		t.Fatal("typed key leaked into the extra params")
	}
}

// toCreateSpaceRequest mirrors what an operator creating the space by
// hand would produce.
func toCreateSpaceRequest(localpart, name string) (request messaging.CreateRoomRequest) {
	request.Name = name
	request.Alias = localpart
	request.CreationContent = map[string]any{"type": "m.space"}
	return request
}
