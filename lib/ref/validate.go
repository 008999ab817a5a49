// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// EventType identifies a Matrix state or timeline event type
// (e.g., "m.room.topic", "m.space.child").
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists purely for compile-time safety — preventing accidental use of
// a state key where an event type is expected (or vice versa).
type EventType string

// String returns the event type string (e.g., "m.space.child").
func (t EventType) String() string { return string(t) }

// ServerFromUserID extracts the Matrix server name from a user ID
// (@localpart:server). This is the standard way to determine the
// server name from a connected session.
func ServerFromUserID(userID UserID) (ServerName, error) {
	_, server, err := parseMatrixID(userID.String())
	if err != nil {
		return ServerName{}, err
	}
	return ServerName{name: server}, nil
}

// validateServer checks that a Matrix server name is minimally valid:
// non-empty, no control characters, no Matrix sigils.
func validateServer(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	for i := 0; i < len(server); i++ {
		c := server[i]
		if c <= ' ' || c == '@' || c == '#' {
			return fmt.Errorf("server name %q: invalid character at position %d", server, i)
		}
	}
	return nil
}

// parseMatrixID extracts localpart and server from @localpart:server.
func parseMatrixID(matrixID string) (localpart, server string, err error) {
	return parsePrefixedID(matrixID, '@', "Matrix user ID")
}

// parseRoomAlias extracts localpart and server from #localpart:server.
func parseRoomAlias(alias string) (localpart, server string, err error) {
	return parsePrefixedID(alias, '#', "room alias")
}

// parsePrefixedID extracts localpart and server from a Matrix identifier
// with the given sigil prefix (@ for user IDs, # for room aliases).
func parsePrefixedID(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if len(identifier) < 2 || identifier[0] != sigil {
		return "", "", fmt.Errorf("invalid %s %q: must start with %c", kind, identifier, sigil)
	}
	colonIndex := strings.Index(identifier[1:], ":")
	if colonIndex < 0 {
		return "", "", fmt.Errorf("invalid %s %q: missing :server", kind, identifier)
	}
	colonIndex++ // adjust for [1:] offset
	if colonIndex < 2 {
		return "", "", fmt.Errorf("invalid %s %q: empty localpart", kind, identifier)
	}
	localpart = identifier[1:colonIndex]
	server = identifier[colonIndex+1:]
	if server == "" {
		return "", "", fmt.Errorf("invalid %s %q: empty server", kind, identifier)
	}
	return localpart, server, nil
}
