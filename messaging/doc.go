// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client that handles login, returning authenticated
// [DirectSession] values. Client holds the homeserver URL and HTTP
// transport, shared across all sessions derived from it.
//
// [DirectSession] wraps a Client with an access token for authenticated
// operations: room management (create, join, leave, forget, invite,
// kick), alias directory manipulation, state events (get/set individual
// events, full room state), public-directory visibility, incremental
// sync with long-polling, and identity verification (WhoAmI).
//
// [Directory] is the interface the reconciliation core consumes. It
// covers the subset of DirectSession the secretary needs, so core
// logic tests can substitute hand-written fakes without a homeserver.
//
// Sessions are lightweight (a pointer to the parent Client plus an
// access token in mmap-backed secret.Buffer memory). The access token
// is locked against swap and excluded from core dumps; callers must
// call Close to release the protected memory.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code. [IsMatrixError] tests for a specific error code;
// [IsUnreachable] tests for the stale-binding signals. Request URLs are
// built by string concatenation rather than url.URL to avoid
// double-encoding of path segments that contain URL-encoded characters
// (such as room aliases).
package messaging
