// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/conciergebot/concierge/lib/ref"
)

// CreateRoomRequest holds parameters for creating a Matrix room or
// space. It maps directly onto POST /_matrix/client/v3/createRoom.
type CreateRoomRequest struct {
	Name                      string         `json:"name,omitempty"`
	Topic                     string         `json:"topic,omitempty"`
	Alias                     string         `json:"room_alias_name,omitempty"` // local alias without # or :server
	Visibility                string         `json:"visibility,omitempty"`      // "public" or "private"
	Preset                    string         `json:"preset,omitempty"`          // "private_chat", "public_chat", "trusted_private_chat"
	Invite                    []string       `json:"invite,omitempty"`
	IsDirect                  bool           `json:"is_direct,omitempty"`
	CreationContent           map[string]any `json:"creation_content,omitempty"` // e.g. {"type": "m.space"} for spaces
	InitialState              []StateEvent   `json:"initial_state,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"`

	// Extra holds additional top-level createRoom parameters (e.g.
	// room_version) merged into the request body. Typed fields win on
	// key collision.
	Extra map[string]any `json:"-"`
}

// MarshalJSON merges Extra into the encoded request.
func (r CreateRoomRequest) MarshalJSON() ([]byte, error) {
	type plain CreateRoomRequest
	encoded, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return encoded, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return nil, err
	}
	for key, value := range r.Extra {
		if _, taken := merged[key]; !taken {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// CreateRoomResponse is returned by CreateRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// StateEvent represents a Matrix state event for room creation or
// state setting.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// MessageContent is the content body of a Matrix message event
// (m.room.message).
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// NewTextMessage creates a plain text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    body,
	}
}

// InviteRequest holds the user ID to invite to a room.
type InviteRequest struct {
	UserID ref.UserID `json:"user_id"`
}

// KickRequest is the request body for kicking a user from a room.
type KickRequest struct {
	UserID ref.UserID `json:"user_id"`
	Reason string     `json:"reason,omitempty"`
}

// SendEventResponse is returned by SendMessage and SendStateEvent.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// ResolveAliasResponse is returned by ResolveAlias.
type ResolveAliasResponse struct {
	RoomID  ref.RoomID `json:"room_id"`
	Servers []string   `json:"servers"`
}

// UploadResponse is returned by UploadMedia.
type UploadResponse struct {
	ContentURI string `json:"content_uri"`
}

// HierarchyRoom is one room in a space hierarchy response
// (GET /_matrix/client/v1/rooms/{roomId}/hierarchy). The live name,
// topic, and avatar let the engine diff room attributes without a
// per-room state read.
type HierarchyRoom struct {
	RoomID         ref.RoomID `json:"room_id"`
	Name           string     `json:"name,omitempty"`
	Topic          string     `json:"topic,omitempty"`
	CanonicalAlias string     `json:"canonical_alias,omitempty"`
	AvatarURL      string     `json:"avatar_url,omitempty"`
	RoomType       string     `json:"room_type,omitempty"`
	NumJoined      int        `json:"num_joined_members"`
}

// hierarchyResponse is the paginated wire shape of the hierarchy
// endpoint.
type hierarchyResponse struct {
	Rooms     []HierarchyRoom `json:"rooms"`
	NextBatch string          `json:"next_batch,omitempty"`
}

// AdminRoom is a room as reported by the Synapse admin room list
// (GET /_synapse/admin/v1/rooms).
type AdminRoom struct {
	RoomID         ref.RoomID `json:"room_id"`
	Name           string     `json:"name,omitempty"`
	CanonicalAlias string     `json:"canonical_alias,omitempty"`
	RoomType       string     `json:"room_type,omitempty"`
	JoinedMembers  int        `json:"joined_members"`
}

// adminRoomsResponse is the paginated wire shape of the admin room
// list.
type adminRoomsResponse struct {
	Rooms      []AdminRoom `json:"rooms"`
	NextBatch  *int        `json:"next_batch,omitempty"`
	TotalRooms int         `json:"total_rooms"`
}

// Account is an account as reported by the Synapse admin user list
// (GET /_synapse/admin/v2/users).
type Account struct {
	Name        ref.UserID `json:"name"`
	DisplayName string     `json:"displayname,omitempty"`
	Admin       bool       `json:"admin"`
	Deactivated bool       `json:"deactivated"`
}

// adminUsersResponse is the paginated wire shape of the admin user
// list.
type adminUsersResponse struct {
	Users     []Account `json:"users"`
	NextToken string    `json:"next_token,omitempty"`
	Total     int       `json:"total"`
}

// roomMembersResponse is returned by the admin room members endpoint.
type roomMembersResponse struct {
	Members []ref.UserID `json:"members"`
	Total   int          `json:"total"`
}

// MediaInfo describes one media item uploaded by a user, as reported
// by the admin media list.
type MediaInfo struct {
	MediaID       string `json:"media_id"`
	MediaType     string `json:"media_type,omitempty"`
	MediaLength   int64  `json:"media_length,omitempty"`
	UploadName    string `json:"upload_name,omitempty"`
	CreatedTS     int64  `json:"created_ts,omitempty"`
	SafeFromQuota bool   `json:"safe_from_quarantine,omitempty"`
}

// userMediaResponse is the wire shape of the admin user media list.
type userMediaResponse struct {
	Media []MediaInfo `json:"media"`
	Total int         `json:"total"`
}

// deviceListResponse is the wire shape of the admin device list.
type deviceListResponse struct {
	Devices []struct {
		DeviceID string `json:"device_id"`
	} `json:"devices"`
}

// blockStatusResponse is the wire shape of the room block status
// endpoint.
type blockStatusResponse struct {
	Block  bool       `json:"block"`
	UserID ref.UserID `json:"user_id,omitempty"`
}
