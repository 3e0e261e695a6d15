// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine is the reconciliation core of the concierge daemon.
//
// Each tick re-derives the desired state from the identity directory
// and converges the Matrix server toward it: the container space,
// one room per directory group, one direct room per user, membership,
// power levels, and room attributes. The engine holds no local state
// between ticks; its only durable bookkeeping lives inside the Matrix
// server itself, as hidden room state events namespaced under the
// reversed server domain. Every phase is idempotent, so an interrupted
// tick is simply resumed by the next one.
//
// The engine talks to its collaborators through the DirectoryAPI,
// ChatAPI, and AdminAPI interfaces, satisfied in production by
// directory.Client, messaging.Session, and messaging.Admin, and in
// tests by in-memory fakes.
package engine
