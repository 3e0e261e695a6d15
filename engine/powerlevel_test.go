// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/conciergebot/concierge/directory"
	"github.com/conciergebot/concierge/lib/config"
)

func userLevel(t *testing.T, room *fakeRoom, userID string) (int64, bool) {
	t.Helper()
	users, ok := room.power["users"].(map[string]any)
	if !ok {
		t.Fatalf("room %q has no users section", room.id)
	}
	value, ok := users[userID]
	if !ok {
		return 0, false
	}
	level, ok := value.(float64)
	if !ok {
		t.Fatalf("level for %q is %T", userID, value)
	}
	return int64(level), true
}

func powerGroup(pk string, level int) directory.Group {
	return directory.Group{
		PK:         pk,
		Name:       pk,
		Attributes: map[string]any{"chat_power": level},
	}
}

func TestHighestGrantingGroupWins(t *testing.T) {
	// Rule order in the directory response must not matter, only the
	// levels themselves.
	for name, groups := range map[string][]directory.Group{
		"ascending":  {powerGroup("pl10", 10), powerGroup("pl50", 50)},
		"descending": {powerGroup("pl50", 50), powerGroup("pl10", 10)},
	} {
		t.Run(name, func(t *testing.T) {
			engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
				cfg.DirectRooms.Enabled = false
			})
			dir.groups = groups
			dir.users = []directory.User{directoryUser("dave", "pl10", "pl50")}
			server.addAccount("@dave:test.local")

			mustTick(t, engine)

			for _, alias := range []string{"#pl10:test.local", "#pl50:test.local"} {
				room := server.roomByAlias(t, alias)
				level, ok := userLevel(t, room, "@dave:test.local")
				if !ok || level != 50 {
					t.Fatalf("dave's level in %s = %d (present %v), want 50", alias, level, ok)
				}
			}
		})
	}
}

func TestPowerLevelsOnlyReachRoomMembers(t *testing.T) {
	// dave's granting group is "mods", so after membership sync he is
	// joined to #mods and nowhere else. His level must land there and
	// only there; rooms he never joined get no entry for him.
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.DirectRooms.Enabled = false
	})
	dir.groups = []directory.Group{
		{PK: "g1", Name: "G1"},
		powerGroup("mods", 50),
	}
	dir.users = []directory.User{
		directoryUser("alice", "g1"),
		directoryUser("dave", "mods"),
	}
	server.addAccount("@alice:test.local")
	server.addAccount("@dave:test.local")

	mustTick(t, engine)

	mods := server.roomByAlias(t, "#mods:test.local")
	if level, ok := userLevel(t, mods, "@dave:test.local"); !ok || level != 50 {
		t.Fatalf("dave's level in #mods = %d (present %v), want 50", level, ok)
	}

	for _, alias := range []string{"#lobby:test.local", "#g1:test.local"} {
		room := server.roomByAlias(t, alias)
		if _, ok := userLevel(t, room, "@dave:test.local"); ok {
			t.Fatalf("dave holds a level in %s without being a member", alias)
		}
	}

	for _, alias := range []string{"#lobby:test.local", "#g1:test.local", "#mods:test.local"} {
		room := server.roomByAlias(t, alias)
		if level, ok := userLevel(t, room, "@bot:test.local"); !ok || level != 100 {
			t.Fatalf("bot's level in %s = %d (present %v), want 100", alias, level, ok)
		}
		if _, ok := userLevel(t, room, "@alice:test.local"); ok {
			t.Fatalf("alice holds a level in %s without a granting group", alias)
		}
	}
}

func TestSuperusersBecomeAdmins(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.DirectRooms.Enabled = false
		cfg.PowerLevels.SuperusersAreAdmins = true
	})
	dir.groups = []directory.Group{{PK: "staff", Name: "staff"}}
	root := directoryUser("root", "staff")
	root.IsSuperuser = true
	dir.users = []directory.User{root}
	server.addAccount("@root:test.local")

	mustTick(t, engine)

	staff := server.roomByAlias(t, "#staff:test.local")
	if level, ok := userLevel(t, staff, "@root:test.local"); !ok || level != 100 {
		t.Fatalf("root's level = %d (present %v), want 100", level, ok)
	}

	space := server.roomByAlias(t, "#lobby:test.local")
	if _, ok := userLevel(t, space, "@root:test.local"); ok {
		t.Fatal("root holds a level in the space without being a member")
	}
}

func TestStaleEntriesAreLeftAlone(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.DirectRooms.Enabled = false
	})
	dir.groups = []directory.Group{powerGroup("mods", 50)}
	dir.users = []directory.User{directoryUser("dave", "mods")}
	server.addAccount("@dave:test.local")

	mustTick(t, engine)

	// Hand-granted entry plus local drift on dave.
	mods := server.roomByAlias(t, "#mods:test.local")
	mods.power["users"] = map[string]any{
		"@bot:test.local": float64(100),
		"@old:test.local": float64(25),
	}

	mustTick(t, engine)

	if level, ok := userLevel(t, mods, "@old:test.local"); !ok || level != 25 {
		t.Fatalf("stale entry = %d (present %v), want untouched 25", level, ok)
	}
	if level, ok := userLevel(t, mods, "@dave:test.local"); !ok || level != 50 {
		t.Fatalf("dave's level = %d (present %v), want 50", level, ok)
	}
}

func TestNoCommitWithoutDrift(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.DirectRooms.Enabled = false
	})
	dir.groups = []directory.Group{powerGroup("mods", 50)}
	dir.users = []directory.User{directoryUser("dave", "mods")}
	server.addAccount("@dave:test.local")

	mustTick(t, engine)
	commits := server.powerCommits
	if commits == 0 {
		t.Fatal("first tick committed nothing")
	}

	mustTick(t, engine)
	if server.powerCommits != commits {
		t.Fatalf("steady-state tick committed power levels: %d -> %d", commits, server.powerCommits)
	}
}

func TestNonUserSectionsSurviveCommit(t *testing.T) {
	engine, server, dir, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.DirectRooms.Enabled = false
	})
	dir.groups = []directory.Group{powerGroup("mods", 50)}
	dir.users = []directory.User{directoryUser("dave", "mods")}
	server.addAccount("@dave:test.local")

	mustTick(t, engine)

	room := server.roomByAlias(t, "#mods:test.local")
	room.power["events"] = map[string]any{"m.room.name": float64(50)}
	room.power["users"] = map[string]any{"@bot:test.local": float64(100)}

	mustTick(t, engine)

	events, ok := room.power["events"].(map[string]any)
	if !ok || events["m.room.name"] != float64(50) {
		t.Fatalf("events section lost: %#v", room.power["events"])
	}
	if level, ok := userLevel(t, room, "@dave:test.local"); !ok || level != 50 {
		t.Fatalf("dave's level = %d (present %v), want 50", level, ok)
	}
}
