// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// references: room IDs, room aliases, user IDs, event IDs, and server
// names.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable — identifiers come
// from the homeserver (room creation, alias resolution, /sync) or from
// policy documents, and are parsed into these types at the boundary so
// that the rest of the code never re-checks string shapes.
//
// JSON marshaling uses the canonical Matrix form ("!room:server",
// "#alias:server", "@user:server") via encoding.TextMarshaler.
package ref
