// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import "fmt"

// User is a directory user as returned by /core/users/.
//
// Attributes is an arbitrary nested bag maintained by directory
// operators; the engine reads it via lib/attrpath and never assumes a
// schema beyond the configured paths.
type User struct {
	PK          int64          `json:"pk"`
	Username    string         `json:"username"`
	Name        string         `json:"name"`
	IsActive    bool           `json:"is_active"`
	IsSuperuser bool           `json:"is_superuser"`
	Groups      []string       `json:"groups"`
	Attributes  map[string]any `json:"attributes"`
}

// Group is a directory group as returned by /core/groups/.
//
// PK is the group's stable identifier (a UUID string). Users carries
// member primary keys; UsersObj carries the expanded member objects.
type Group struct {
	PK          string         `json:"pk"`
	Name        string         `json:"name"`
	Parent      string         `json:"parent"`
	IsSuperuser bool           `json:"is_superuser"`
	Attributes  map[string]any `json:"attributes"`
	Users       []int64        `json:"users"`
	UsersObj    []User         `json:"users_obj"`
}

// APIError is a non-2xx response from the directory API. The body is
// kept because the directory puts the only useful diagnostic there.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("directory: HTTP %d: %s", e.StatusCode, e.Body)
}
