// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory is the read-only client for the identity
// directory's REST API.
//
// The directory is the source of truth for users and groups. The
// engine never writes to it; ListUsers and ListGroups are the only
// operations. Server-side query filters are combined with client-side
// post-filters (name prefix, parent ids, attribute presence) because
// the directory API cannot express the latter. All filters are ANDed;
// an absent filter is a no-op.
package directory
