// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for the Matrix objects the bot manages: user IDs, room IDs, room
// aliases, and event types.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable. Identifiers arrive
// from the config file and from remote API responses, and are
// parsed into these types at the boundary so the engine never threads
// raw strings around.
//
// JSON marshaling uses the canonical Matrix form (@localpart:server,
// !opaque:server, #localpart:server) via encoding.TextMarshaler.
package ref
