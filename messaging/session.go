// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conciergebot/concierge/lib/ref"
)

// Session is the bot's authenticated Matrix session. It wraps a Client
// with an access token for protocol-level API calls.
type Session struct {
	client      *Client
	accessToken string
	userID      string

	// transactionCounter generates unique transaction IDs for
	// idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the bot's fully-qualified Matrix user ID.
func (s *Session) UserID() string {
	return s.userID
}

// WhoAmI validates the access token and returns the user ID. Useful
// for checking the configured token before the first tick.
func (s *Session) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// CreateRoom creates a new Matrix room and returns its room ID.
func (s *Session) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: create room failed: %w", err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse createRoom response: %w", err)
	}

	s.client.logger.Info("created matrix room",
		"room_id", response.RoomID,
		"alias", request.Alias,
		"name", request.Name,
	)
	return response.RoomID, nil
}

// ResolveAlias resolves a room alias to a room ID.
func (s *Session) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: resolve alias %q failed: %w", alias, err)
	}

	var response ResolveAliasResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse resolve alias response: %w", err)
	}
	return response.RoomID, nil
}

// InviteUser invites a user to a room.
func (s *Session) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID.String()))
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, InviteRequest{UserID: userID})
	if err != nil {
		return fmt.Errorf("messaging: invite %q to %q failed: %w", userID, roomID, err)
	}
	return nil
}

// KickUser removes a user from a room with a reason for the audit
// trail.
func (s *Session) KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/kick", url.PathEscape(roomID.String()))
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, KickRequest{
		UserID: userID,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("messaging: kick %q from %q failed: %w", userID, roomID, err)
	}
	return nil
}

// SendMessage sends a message to a room. Uses Matrix's idempotent PUT
// with a transaction ID. Returns the event ID.
func (s *Session) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (string, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(transactionID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return "", fmt.Errorf("messaging: send message to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendStateEvent sends a state event to a room. State events use PUT
// with the event type and state key in the path. Returns the event ID.
func (s *Session) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return "", fmt.Errorf("messaging: send state event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches a specific state event's content from a room.
// Returns the raw JSON content; the caller is responsible for
// unmarshaling into the appropriate type.
//
// If the state event does not exist, returns a *MatrixError with code
// M_NOT_FOUND.
func (s *Session) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state event %s[%q] in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// SetRoomName sets a room's display name.
func (s *Session) SetRoomName(ctx context.Context, roomID ref.RoomID, name string) error {
	_, err := s.SendStateEvent(ctx, roomID, "m.room.name", "", map[string]any{"name": name})
	return err
}

// SetRoomTopic sets a room's topic.
func (s *Session) SetRoomTopic(ctx context.Context, roomID ref.RoomID, topic string) error {
	_, err := s.SendStateEvent(ctx, roomID, "m.room.topic", "", map[string]any{"topic": topic})
	return err
}

// SetRoomAvatar sets a room's avatar to an mxc:// media reference.
func (s *Session) SetRoomAvatar(ctx context.Context, roomID ref.RoomID, mediaRef string) error {
	_, err := s.SendStateEvent(ctx, roomID, "m.room.avatar", "", map[string]any{"url": mediaRef})
	return err
}

// GetPowerLevels fetches a room's m.room.power_levels content as a
// generic map. The full content is preserved so that a later
// SetPowerLevels write never drops fields the engine does not model
// (events, notifications, defaults).
func (s *Session) GetPowerLevels(ctx context.Context, roomID ref.RoomID) (map[string]any, error) {
	raw, err := s.GetStateEvent(ctx, roomID, "m.room.power_levels", "")
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse power levels for %q: %w", roomID, err)
	}
	return content, nil
}

// SetPowerLevels replaces a room's m.room.power_levels content. This
// is a single atomic state write.
func (s *Session) SetPowerLevels(ctx context.Context, roomID ref.RoomID, content map[string]any) error {
	_, err := s.SendStateEvent(ctx, roomID, "m.room.power_levels", "", content)
	return err
}

// SpaceChildren lists the rooms inside a space via the hierarchy
// endpoint, following pagination. The space itself is excluded from
// the result.
func (s *Session) SpaceChildren(ctx context.Context, spaceID ref.RoomID) ([]HierarchyRoom, error) {
	path := fmt.Sprintf("/_matrix/client/v1/rooms/%s/hierarchy", url.PathEscape(spaceID.String()))

	var rooms []HierarchyRoom
	from := ""
	for {
		query := url.Values{}
		if from != "" {
			query.Set("from", from)
		}
		body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
		if err != nil {
			return nil, fmt.Errorf("messaging: space hierarchy for %q failed: %w", spaceID, err)
		}

		var page hierarchyResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("messaging: failed to parse hierarchy response: %w", err)
		}
		for _, room := range page.Rooms {
			if room.RoomID == spaceID {
				continue
			}
			rooms = append(rooms, room)
		}
		if page.NextBatch == "" {
			return rooms, nil
		}
		from = page.NextBatch
	}
}

// UploadMedia uploads content to the homeserver's media repository and
// returns the mxc:// content URI. An empty filename gets a random one,
// since the server requires some upload name.
func (s *Session) UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (string, error) {
	if filename == "" {
		filename = uuid.NewString()
	}
	query := url.Values{}
	query.Set("filename", filename)

	responseBody, err := s.client.doRequestRaw(ctx, http.MethodPost,
		"/_matrix/media/v3/upload", s.accessToken, contentType, body, query)
	if err != nil {
		return "", fmt.Errorf("messaging: media upload failed: %w", err)
	}

	var response UploadResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse upload response: %w", err)
	}
	return response.ContentURI, nil
}

// nextTransactionID generates a unique transaction ID for idempotent
// event sending. Format: "concierge-<timestamp_ms>-<counter>" to
// ensure uniqueness across restarts.
func (s *Session) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("concierge-%d-%d", time.Now().UnixMilli(), counter)
}
