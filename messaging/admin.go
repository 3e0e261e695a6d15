// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/conciergebot/concierge/lib/ref"
)

// spaceRoomType is the creation_content type marking a room as a space.
const spaceRoomType = "m.space"

// Admin exposes the Synapse admin API operations the engine needs.
// The wrapped Session's account must be a server administrator.
type Admin struct {
	session  *Session
	basePath string
}

// NewAdmin creates an Admin client on top of an authenticated Session.
// basePath is the admin API mount point; empty means the Synapse
// default "/_synapse/admin".
func NewAdmin(session *Session, basePath string) *Admin {
	if basePath == "" {
		basePath = "/_synapse/admin"
	}
	return &Admin{session: session, basePath: basePath}
}

// ListRooms lists all rooms known to the server, excluding spaces.
// searchTerm, when non-empty, filters rooms server-side by name or
// alias substring. Follows pagination.
func (a *Admin) ListRooms(ctx context.Context, searchTerm string) ([]AdminRoom, error) {
	all, err := a.listRoomsAndSpaces(ctx, searchTerm)
	if err != nil {
		return nil, err
	}
	rooms := all[:0]
	for _, room := range all {
		if room.RoomType != spaceRoomType {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// ListSpaces lists all spaces known to the server.
func (a *Admin) ListSpaces(ctx context.Context) ([]AdminRoom, error) {
	all, err := a.listRoomsAndSpaces(ctx, "")
	if err != nil {
		return nil, err
	}
	var spaces []AdminRoom
	for _, room := range all {
		if room.RoomType == spaceRoomType {
			spaces = append(spaces, room)
		}
	}
	return spaces, nil
}

func (a *Admin) listRoomsAndSpaces(ctx context.Context, searchTerm string) ([]AdminRoom, error) {
	var rooms []AdminRoom
	from := 0
	for {
		query := url.Values{}
		if searchTerm != "" {
			query.Set("search_term", searchTerm)
		}
		if from > 0 {
			query.Set("from", strconv.Itoa(from))
		}

		body, err := a.session.client.doRequest(ctx, http.MethodGet, a.basePath+"/v1/rooms", a.session.accessToken, nil, query)
		if err != nil {
			return nil, fmt.Errorf("messaging: admin room list failed: %w", err)
		}

		var page adminRoomsResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("messaging: failed to parse admin room list: %w", err)
		}
		rooms = append(rooms, page.Rooms...)
		if page.NextBatch == nil {
			return rooms, nil
		}
		from = *page.NextBatch
	}
}

// ListRoomMembers returns the joined members of a room.
func (a *Admin) ListRoomMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	path := fmt.Sprintf("%s/v1/rooms/%s/members", a.basePath, url.PathEscape(roomID.String()))
	body, err := a.session.client.doRequest(ctx, http.MethodGet, path, a.session.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: admin room members for %q failed: %w", roomID, err)
	}

	var response roomMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room members: %w", err)
	}
	return response.Members, nil
}

// AddUserToRoom force-joins a local account to a room. The admin API
// bypasses the invite handshake, which the bot relies on for accounts
// it is allowed to manage directly.
func (a *Admin) AddUserToRoom(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	path := fmt.Sprintf("%s/v1/join/%s", a.basePath, url.PathEscape(roomID.String()))
	_, err := a.session.client.doRequest(ctx, http.MethodPost, path, a.session.accessToken, map[string]any{
		"user_id": userID.String(),
	})
	if err != nil {
		return fmt.Errorf("messaging: admin join %q to %q failed: %w", userID, roomID, err)
	}
	return nil
}

// ListAccounts lists all accounts on the server, following pagination.
// Deactivated accounts are included; callers filter as needed.
func (a *Admin) ListAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	from := ""
	for {
		query := url.Values{}
		if from != "" {
			query.Set("from", from)
		}

		body, err := a.session.client.doRequest(ctx, http.MethodGet, a.basePath+"/v2/users", a.session.accessToken, nil, query)
		if err != nil {
			return nil, fmt.Errorf("messaging: admin user list failed: %w", err)
		}

		var page adminUsersResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("messaging: failed to parse admin user list: %w", err)
		}
		accounts = append(accounts, page.Users...)
		if page.NextToken == "" {
			return accounts, nil
		}
		from = page.NextToken
	}
}

// RoomIsBlocked reports whether a room is blocked.
func (a *Admin) RoomIsBlocked(ctx context.Context, roomID ref.RoomID) (bool, error) {
	path := fmt.Sprintf("%s/v1/rooms/%s/block", a.basePath, url.PathEscape(roomID.String()))
	body, err := a.session.client.doRequest(ctx, http.MethodGet, path, a.session.accessToken, nil)
	if err != nil {
		return false, fmt.Errorf("messaging: block status for %q failed: %w", roomID, err)
	}

	var response blockStatusResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return false, fmt.Errorf("messaging: failed to parse block status: %w", err)
	}
	return response.Block, nil
}

// BlockRoom blocks a room, preventing any further joins.
func (a *Admin) BlockRoom(ctx context.Context, roomID ref.RoomID) error {
	return a.setRoomBlock(ctx, roomID, true)
}

// UnblockRoom removes a room block.
func (a *Admin) UnblockRoom(ctx context.Context, roomID ref.RoomID) error {
	return a.setRoomBlock(ctx, roomID, false)
}

func (a *Admin) setRoomBlock(ctx context.Context, roomID ref.RoomID, block bool) error {
	path := fmt.Sprintf("%s/v1/rooms/%s/block", a.basePath, url.PathEscape(roomID.String()))
	_, err := a.session.client.doRequest(ctx, http.MethodPut, path, a.session.accessToken, map[string]any{
		"block": block,
	})
	if err != nil {
		return fmt.Errorf("messaging: set block=%t for %q failed: %w", block, roomID, err)
	}
	return nil
}

// DeleteRoom removes a room from the server. purge removes all room
// history from the database; message, when non-empty, is posted to
// remaining members before removal.
func (a *Admin) DeleteRoom(ctx context.Context, roomID ref.RoomID, purge bool, message string) error {
	requestBody := map[string]any{
		"purge": purge,
	}
	if message != "" {
		requestBody["message"] = message
	}
	path := fmt.Sprintf("%s/v1/rooms/%s", a.basePath, url.PathEscape(roomID.String()))
	_, err := a.session.client.doRequest(ctx, http.MethodDelete, path, a.session.accessToken, requestBody)
	if err != nil {
		return fmt.Errorf("messaging: delete room %q failed: %w", roomID, err)
	}
	return nil
}

// DeactivateAccount permanently deactivates an account. All access
// tokens are invalidated and the account can no longer log in. When
// erase is true, profile data is also removed.
func (a *Admin) DeactivateAccount(ctx context.Context, userID ref.UserID, erase bool) error {
	path := a.basePath + "/v1/deactivate/" + url.PathEscape(userID.String())
	_, err := a.session.client.doRequest(ctx, http.MethodPost, path, a.session.accessToken, map[string]any{
		"erase": erase,
	})
	if err != nil {
		return fmt.Errorf("messaging: deactivate %q failed: %w", userID, err)
	}
	return nil
}

// LogoutAccount invalidates every session of an account by deleting
// all of its devices. Synapse has no single logout endpoint, so this
// lists devices and deletes them one by one.
func (a *Admin) LogoutAccount(ctx context.Context, userID ref.UserID) error {
	devicesPath := fmt.Sprintf("%s/v2/users/%s/devices", a.basePath, url.PathEscape(userID.String()))
	body, err := a.session.client.doRequest(ctx, http.MethodGet, devicesPath, a.session.accessToken, nil)
	if err != nil {
		return fmt.Errorf("messaging: list devices for %q failed: %w", userID, err)
	}

	var response deviceListResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("messaging: failed to parse device list: %w", err)
	}

	for _, device := range response.Devices {
		path := devicesPath + "/" + url.PathEscape(device.DeviceID)
		if _, err := a.session.client.doRequest(ctx, http.MethodDelete, path, a.session.accessToken, nil); err != nil {
			return fmt.Errorf("messaging: delete device %q of %q failed: %w", device.DeviceID, userID, err)
		}
	}
	return nil
}

// ListUserMedia lists the media items an account has uploaded.
func (a *Admin) ListUserMedia(ctx context.Context, userID ref.UserID) ([]MediaInfo, error) {
	path := fmt.Sprintf("%s/v1/users/%s/media", a.basePath, url.PathEscape(userID.String()))
	body, err := a.session.client.doRequest(ctx, http.MethodGet, path, a.session.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: list media for %q failed: %w", userID, err)
	}

	var response userMediaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse media list: %w", err)
	}
	return response.Media, nil
}

// DeleteUserMedia deletes all media an account has uploaded.
func (a *Admin) DeleteUserMedia(ctx context.Context, userID ref.UserID) error {
	path := fmt.Sprintf("%s/v1/users/%s/media", a.basePath, url.PathEscape(userID.String()))
	if _, err := a.session.client.doRequest(ctx, http.MethodDelete, path, a.session.accessToken, nil); err != nil {
		return fmt.Errorf("messaging: delete media for %q failed: %w", userID, err)
	}
	return nil
}
