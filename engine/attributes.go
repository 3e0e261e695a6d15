// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/conciergebot/concierge/lib/metrics"
)

// syncRoomAttributes pushes drifted names, topics, and avatars of
// managed group rooms back to their directory-derived targets. Every
// write is suppressed when the live value already matches, so a
// steady-state tick performs reads only.
func (e *Engine) syncRoomAttributes(ctx context.Context, mappings []GroupRoomMapping) error {
	for i := range mappings {
		mapping := &mappings[i]
		if mapping.RoomID.IsZero() {
			continue
		}

		if mapping.Room != nil {
			if mapping.Room.Name != mapping.Target.Name {
				if err := e.chat.SetRoomName(ctx, mapping.RoomID, mapping.Target.Name); err != nil {
					return err
				}
				e.logger.Info("updated room name", "room", mapping.RoomID, "name", mapping.Target.Name)
			}
			if mapping.Target.Topic != "" && mapping.Room.Topic != mapping.Target.Topic {
				if err := e.chat.SetRoomTopic(ctx, mapping.RoomID, mapping.Target.Topic); err != nil {
					return err
				}
				e.logger.Info("updated room topic", "room", mapping.RoomID)
			}
		}

		if err := e.syncRoomAvatar(ctx, mapping); err != nil {
			// Avatar sources live outside both the directory and the
			// chat server, so a fetch failure must not wedge the tick.
			e.logger.Warn("avatar sync failed", "room", mapping.RoomID, "error", err)
		}
	}
	return nil
}

// syncRoomAvatar uploads and applies a room avatar when the source URL
// changed since the last applied one. The applied source URL persists
// in the room record, so an unchanged source costs nothing, not even a
// download.
func (e *Engine) syncRoomAvatar(ctx context.Context, mapping *GroupRoomMapping) error {
	source := mapping.Target.AvatarURL
	if source == "" || mapping.State == nil || mapping.State.AvatarSourceURL == source {
		return nil
	}

	mediaRef, err := e.resolveAvatar(ctx, source)
	if err != nil {
		return err
	}
	if err := e.chat.SetRoomAvatar(ctx, mapping.RoomID, mediaRef); err != nil {
		return err
	}

	mapping.State.AvatarSourceURL = source
	return saveState(ctx, e.chat, e.serverName, mapping.RoomID, *mapping.State)
}

// resolveAvatar turns a source URL into an uploaded media reference,
// downloading and uploading at most once per URL per process.
func (e *Engine) resolveAvatar(ctx context.Context, source string) (string, error) {
	digest := blake3.Sum256([]byte(source))
	key := hex.EncodeToString(digest[:])[:16]
	if mediaRef, ok := e.avatarCache[key]; ok {
		metrics.AvatarCacheHits.Inc()
		return mediaRef, nil
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("building avatar request for %q: %w", source, err)
	}
	response, err := e.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("downloading avatar %q: %w", source, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading avatar %q: HTTP %d", source, response.StatusCode)
	}

	contentType := response.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := key + avatarExtension(source, contentType)

	mediaRef, err := e.chat.UploadMedia(ctx, contentType, filename, io.LimitReader(response.Body, maxAvatarBytes))
	if err != nil {
		return "", fmt.Errorf("uploading avatar %q: %w", source, err)
	}
	metrics.AvatarUploads.Inc()

	e.avatarCache[key] = mediaRef
	return mediaRef, nil
}

// maxAvatarBytes caps avatar downloads. Synapse's default upload limit
// is 50 MiB; anything near that is not an avatar.
const maxAvatarBytes = 8 << 20

// avatarExtension picks a file extension from the source URL path,
// falling back to the response content type.
func avatarExtension(source, contentType string) string {
	if ext := path.Ext(strings.SplitN(source, "?", 2)[0]); ext != "" && len(ext) <= 5 {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
