// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

// Package secretary is the reconciliation core: it drives a Matrix
// homeserver toward the state declared in stored policy documents.
//
// The package has three layers:
//
//   - Store: SQLite-backed persistence for policy documents and room
//     bindings (policy_key, room_key → matrix_room_id).
//   - Reconciliation: ensureRoomExists resolves a room key to a live
//     room (creating it when needed and healing stale bindings),
//     ensureRoomConfig converges each room attribute with
//     read-before-write semantics, ensureRoomUsers issues missing
//     invites.
//   - Secretary: the orchestrator tying store and Directory together.
//     EnsurePolicy runs two passes over a policy's rooms — existence
//     first, then configuration — so that parent-space references
//     between sibling rooms resolve regardless of iteration order.
//
// Reconciliation is idempotent: running EnsurePolicy twice against an
// unchanged homeserver performs zero writes on the second run.
package secretary
