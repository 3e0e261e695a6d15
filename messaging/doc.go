// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API and the Synapse
// admin API for the reconciliation engine.
//
// The package provides three types. [Client] is the shared HTTP
// transport: it holds the homeserver URL, the http.Client, and the
// logger. [Session] wraps a Client with the bot's access token for
// protocol operations: room and space creation, invites and kicks,
// state events, messages, power levels, alias resolution, space
// hierarchy listing, and media upload. [Admin] wraps a Session for the
// Synapse admin endpoints the engine needs: room and account listings,
// room block/unblock/delete, account deactivation, device logout, and
// user media management.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code; the failing request's method and path are logged before the
// error is returned. [IsMatrixError] tests for a specific error code.
// Request URLs are built by string concatenation rather than url.URL
// to avoid double-encoding of path segments that contain URL-encoded
// characters (such as room aliases).
package messaging
