// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the policy document model: named, declarative
// descriptions of the Matrix rooms and spaces the secretary maintains.
// Policies are stored as JSON and authored on disk as JSONC files (JSON
// extended with comments and trailing commas). This package handles both
// formats.
//
// The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → Policy
//  2. Validate: structural checks (legal attribute values, group
//     references, power-level ranges)
//  3. ExpandInvitees: resolve group names to their member user IDs
//  4. The secretary core reconciles each room spec against the
//     homeserver, with WithDefaults applying policy-wide settings
//     to rooms that omit them.
package policy
