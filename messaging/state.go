// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/conciergebot/concierge/lib/ref"
)

// StateReader fetches typed state event content from a room. *Session
// implements it; engine tests substitute an in-memory fake.
type StateReader interface {
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)
}

// GetState reads a typed state event from a Matrix room. It calls
// GetStateEvent and unmarshals the raw JSON content into T:
//
//	record, err := messaging.GetState[RoomRecord](ctx, session, roomID, eventType, "")
//
// Returns an error if the state event does not exist (M_NOT_FOUND) or
// if the content cannot be unmarshaled into T.
func GetState[T any](ctx context.Context, reader StateReader, roomID ref.RoomID, eventType ref.EventType, stateKey string) (T, error) {
	var zero T
	content, err := reader.GetStateEvent(ctx, roomID, eventType, stateKey)
	if err != nil {
		return zero, fmt.Errorf("reading %s[%q] from room %s: %w", eventType, stateKey, roomID, err)
	}
	var result T
	if err := json.Unmarshal(content, &result); err != nil {
		return zero, fmt.Errorf("unmarshaling %s from room %s: %w", eventType, roomID, err)
	}
	return result, nil
}
