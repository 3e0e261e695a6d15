// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/conciergebot/concierge/directory"
	"github.com/conciergebot/concierge/lib/attrpath"
	"github.com/conciergebot/concierge/lib/clock"
	"github.com/conciergebot/concierge/lib/config"
	"github.com/conciergebot/concierge/lib/ref"
	"github.com/conciergebot/concierge/messaging"
)

const testServerName = "test.local"

// fakeRoom is one room on the in-memory homeserver.
type fakeRoom struct {
	id        ref.RoomID
	alias     string
	name      string
	topic     string
	avatarRef string
	isSpace   bool
	blocked   bool

	members  map[string]bool
	state    map[string]json.RawMessage
	power    map[string]any
	messages []string
	children map[string]bool
}

func (r *fakeRoom) stateKeyFor(eventType ref.EventType, stateKey string) string {
	return string(eventType) + "\x00" + stateKey
}

// fakeServer is an in-memory homeserver shared by a fakeChat and a
// fakeAdmin. It records every mutating operation so tests can assert
// exact operation counts.
type fakeServer struct {
	rooms    map[string]*fakeRoom
	aliases  map[string]string
	accounts map[string]bool

	nextRoom int
	nextEv   int

	uploads      int
	joins        []string
	kicks        []string
	logouts      []string
	deactivated  []string
	deletedRooms []string
	erasedMedia  []string
	powerCommits int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		rooms:    map[string]*fakeRoom{},
		aliases:  map[string]string{},
		accounts: map[string]bool{},
	}
}

func (s *fakeServer) addAccount(userID string) {
	s.accounts[userID] = false
}

func (s *fakeServer) room(t *testing.T, roomID ref.RoomID) *fakeRoom {
	t.Helper()
	room, ok := s.rooms[roomID.String()]
	if !ok {
		t.Fatalf("no such room %q", roomID)
	}
	return room
}

// roomByAlias fails the test when the alias is unknown.
func (s *fakeServer) roomByAlias(t *testing.T, alias string) *fakeRoom {
	t.Helper()
	roomID, ok := s.aliases[alias]
	if !ok {
		t.Fatalf("alias %q does not resolve", alias)
	}
	return s.rooms[roomID]
}

func (s *fakeServer) createRoom(request messaging.CreateRoomRequest) (*fakeRoom, error) {
	s.nextRoom++
	room := &fakeRoom{
		id:       ref.MustParseRoomID(fmt.Sprintf("!room%d:%s", s.nextRoom, testServerName)),
		name:     request.Name,
		topic:    request.Topic,
		members:  map[string]bool{"@bot:" + testServerName: true},
		state:    map[string]json.RawMessage{},
		power:    map[string]any{"users": map[string]any{"@bot:" + testServerName: float64(100)}},
		children: map[string]bool{},
	}
	if roomType, ok := request.CreationContent["type"].(string); ok && roomType == "m.space" {
		room.isSpace = true
	}
	if request.Alias != "" {
		alias := "#" + request.Alias + ":" + testServerName
		if _, taken := s.aliases[alias]; taken {
			return nil, &messaging.MatrixError{Code: messaging.ErrCodeRoomInUse, Message: "Room alias already taken", StatusCode: 400}
		}
		room.alias = alias
		s.aliases[alias] = room.id.String()
	}
	for _, invited := range request.Invite {
		room.members[invited] = true
	}
	for _, event := range request.InitialState {
		raw, _ := json.Marshal(event.Content)
		room.state[room.stateKeyFor(ref.EventType(event.Type), event.StateKey)] = raw
	}
	s.rooms[room.id.String()] = room
	return room, nil
}

func notFoundError() error {
	return &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "Not found", StatusCode: 404}
}

// fakeChat implements ChatAPI against a fakeServer.
type fakeChat struct {
	s *fakeServer
}

func (c *fakeChat) CreateRoom(_ context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error) {
	room, err := c.s.createRoom(request)
	if err != nil {
		return ref.RoomID{}, err
	}
	return room.id, nil
}

func (c *fakeChat) ResolveAlias(_ context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	roomID, ok := c.s.aliases[alias.String()]
	if !ok {
		return ref.RoomID{}, notFoundError()
	}
	return ref.MustParseRoomID(roomID), nil
}

func (c *fakeChat) KickUser(_ context.Context, roomID ref.RoomID, userID ref.UserID, _ string) error {
	room, ok := c.s.rooms[roomID.String()]
	if !ok {
		return notFoundError()
	}
	delete(room.members, userID.String())
	c.s.kicks = append(c.s.kicks, roomID.String()+" "+userID.String())
	return nil
}

func (c *fakeChat) SendMessage(_ context.Context, roomID ref.RoomID, content messaging.MessageContent) (string, error) {
	room, ok := c.s.rooms[roomID.String()]
	if !ok {
		return "", notFoundError()
	}
	room.messages = append(room.messages, content.Body)
	c.s.nextEv++
	return fmt.Sprintf("$ev%d", c.s.nextEv), nil
}

func (c *fakeChat) SendStateEvent(_ context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (string, error) {
	room, ok := c.s.rooms[roomID.String()]
	if !ok {
		return "", notFoundError()
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	room.state[room.stateKeyFor(eventType, stateKey)] = raw
	if eventType == "m.space.child" {
		room.children[stateKey] = true
	}
	c.s.nextEv++
	return fmt.Sprintf("$ev%d", c.s.nextEv), nil
}

func (c *fakeChat) GetStateEvent(_ context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	room, ok := c.s.rooms[roomID.String()]
	if !ok {
		return nil, notFoundError()
	}
	raw, ok := room.state[room.stateKeyFor(eventType, stateKey)]
	if !ok {
		return nil, notFoundError()
	}
	return raw, nil
}

func (c *fakeChat) SetRoomName(_ context.Context, roomID ref.RoomID, name string) error {
	c.s.rooms[roomID.String()].name = name
	return nil
}

func (c *fakeChat) SetRoomTopic(_ context.Context, roomID ref.RoomID, topic string) error {
	c.s.rooms[roomID.String()].topic = topic
	return nil
}

func (c *fakeChat) SetRoomAvatar(_ context.Context, roomID ref.RoomID, mediaRef string) error {
	c.s.rooms[roomID.String()].avatarRef = mediaRef
	return nil
}

// GetPowerLevels round-trips through JSON so the caller sees float64
// values, like a real decode would produce.
func (c *fakeChat) GetPowerLevels(_ context.Context, roomID ref.RoomID) (map[string]any, error) {
	room, ok := c.s.rooms[roomID.String()]
	if !ok {
		return nil, notFoundError()
	}
	raw, err := json.Marshal(room.power)
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, err
	}
	return content, nil
}

func (c *fakeChat) SetPowerLevels(_ context.Context, roomID ref.RoomID, content map[string]any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	var stored map[string]any
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}
	c.s.rooms[roomID.String()].power = stored
	c.s.powerCommits++
	return nil
}

func (c *fakeChat) SpaceChildren(_ context.Context, spaceID ref.RoomID) ([]messaging.HierarchyRoom, error) {
	space, ok := c.s.rooms[spaceID.String()]
	if !ok {
		return nil, notFoundError()
	}
	ids := make([]string, 0, len(space.children))
	for id := range space.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rooms []messaging.HierarchyRoom
	for _, id := range ids {
		child, ok := c.s.rooms[id]
		if !ok {
			continue
		}
		roomType := ""
		if child.isSpace {
			roomType = "m.space"
		}
		rooms = append(rooms, messaging.HierarchyRoom{
			RoomID:         child.id,
			Name:           child.name,
			Topic:          child.topic,
			CanonicalAlias: child.alias,
			RoomType:       roomType,
			NumJoined:      len(child.members),
		})
	}
	return rooms, nil
}

func (c *fakeChat) UploadMedia(_ context.Context, _, _ string, body io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	c.s.uploads++
	return fmt.Sprintf("mxc://%s/media%d", testServerName, c.s.uploads), nil
}

// fakeAdmin implements AdminAPI against the same fakeServer.
type fakeAdmin struct {
	s *fakeServer
}

func (a *fakeAdmin) ListRoomMembers(_ context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	room, ok := a.s.rooms[roomID.String()]
	if !ok {
		return nil, notFoundError()
	}
	ids := make([]string, 0, len(room.members))
	for id := range room.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	members := make([]ref.UserID, 0, len(ids))
	for _, id := range ids {
		members = append(members, ref.MustParseUserID(id))
	}
	return members, nil
}

func (a *fakeAdmin) AddUserToRoom(_ context.Context, roomID ref.RoomID, userID ref.UserID) error {
	room, ok := a.s.rooms[roomID.String()]
	if !ok {
		return notFoundError()
	}
	room.members[userID.String()] = true
	a.s.joins = append(a.s.joins, roomID.String()+" "+userID.String())
	return nil
}

func (a *fakeAdmin) ListAccounts(_ context.Context) ([]messaging.Account, error) {
	ids := make([]string, 0, len(a.s.accounts))
	for id := range a.s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	accounts := make([]messaging.Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, messaging.Account{Name: ref.MustParseUserID(id), Deactivated: a.s.accounts[id]})
	}
	return accounts, nil
}

func (a *fakeAdmin) RoomIsBlocked(_ context.Context, roomID ref.RoomID) (bool, error) {
	room, ok := a.s.rooms[roomID.String()]
	if !ok {
		return false, notFoundError()
	}
	return room.blocked, nil
}

func (a *fakeAdmin) BlockRoom(_ context.Context, roomID ref.RoomID) error {
	a.s.rooms[roomID.String()].blocked = true
	return nil
}

func (a *fakeAdmin) UnblockRoom(_ context.Context, roomID ref.RoomID) error {
	a.s.rooms[roomID.String()].blocked = false
	return nil
}

func (a *fakeAdmin) DeleteRoom(_ context.Context, roomID ref.RoomID, _ bool, _ string) error {
	room, ok := a.s.rooms[roomID.String()]
	if !ok {
		return notFoundError()
	}
	if room.alias != "" {
		delete(a.s.aliases, room.alias)
	}
	delete(a.s.rooms, roomID.String())
	for _, other := range a.s.rooms {
		delete(other.children, roomID.String())
	}
	a.s.deletedRooms = append(a.s.deletedRooms, roomID.String())
	return nil
}

func (a *fakeAdmin) DeactivateAccount(_ context.Context, userID ref.UserID, _ bool) error {
	a.s.accounts[userID.String()] = true
	a.s.deactivated = append(a.s.deactivated, userID.String())
	return nil
}

func (a *fakeAdmin) LogoutAccount(_ context.Context, userID ref.UserID) error {
	a.s.logouts = append(a.s.logouts, userID.String())
	return nil
}

func (a *fakeAdmin) DeleteUserMedia(_ context.Context, userID ref.UserID) error {
	a.s.erasedMedia = append(a.s.erasedMedia, userID.String())
	return nil
}

// fakeDirectory serves user and group lists from plain slices. Group
// filters that the engine relies on are applied; the rest pass
// through, tests configure exact data sets.
type fakeDirectory struct {
	users  []directory.User
	groups []directory.Group
}

func (d *fakeDirectory) ListUsers(_ context.Context, _ directory.UserFilter) ([]directory.User, error) {
	return slices.Clone(d.users), nil
}

func (d *fakeDirectory) ListGroups(_ context.Context, filter directory.GroupFilter) ([]directory.Group, error) {
	var groups []directory.Group
	for _, group := range d.groups {
		if filter.NamePrefix != "" && !strings.HasPrefix(group.Name, filter.NamePrefix) {
			continue
		}
		match := true
		for _, path := range filter.HasNonEmptyAttribute {
			if !attrpath.HasNonEmpty(group.Attributes, path) {
				match = false
				break
			}
		}
		if match {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Homeserver.URL = "https://" + testServerName
	cfg.Homeserver.ServerName = testServerName
	cfg.Homeserver.BotUserID = "@bot:" + testServerName
	cfg.Homeserver.AccessToken = "secret"
	cfg.Directory.URL = "https://idp.test"
	cfg.Directory.Token = "token"
	cfg.Space.Alias = "lobby"
	cfg.Space.Name = "Lobby"
	cfg.PowerLevels.Enabled = true
	cfg.PowerLevels.Attribute = "chat_power"
	return cfg
}

// newTestEngine assembles an Engine over fresh fakes, applying mutate
// to the config first when given.
func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *fakeServer, *fakeDirectory, *clock.FakeClock) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	server := newFakeServer()
	dir := &fakeDirectory{}
	fake := clock.Fake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))

	engine, err := New(Config{
		Settings:  cfg,
		Directory: dir,
		Chat:      &fakeChat{s: server},
		Admin:     &fakeAdmin{s: server},
		Clock:     fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine, server, dir, fake
}

func mustTick(t *testing.T, engine *Engine) {
	t.Helper()
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func directoryUser(username string, groups ...string) directory.User {
	return directory.User{
		PK:       int64(len(username)),
		Username: username,
		Name:     strings.ToUpper(username[:1]) + username[1:],
		IsActive: true,
		Groups:   groups,
	}
}
