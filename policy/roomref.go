// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"strings"
)

// RoomRefKind discriminates the three forms a room reference can take
// in a policy document.
type RoomRefKind int

const (
	// RefRoomKey is a policy-local room key, resolved through the
	// policy's own room bindings.
	RefRoomKey RoomRefKind = iota

	// RefRoomID is a concrete Matrix room ID (!opaque:server).
	RefRoomID

	// RefAlias is a Matrix room alias (#local:server), resolved via
	// the homeserver's alias directory.
	RefAlias
)

// RoomReference points at a room from inside a policy document: by
// concrete room ID, by alias, or by a room key local to the same
// policy. The form is decided once, when the document is parsed.
type RoomReference struct {
	Kind  RoomRefKind
	Value string
}

// ParseRoomReference classifies a reference string by its sigil. A
// leading ! is a room ID, a leading # is an alias, anything else is a
// policy-local room key.
func ParseRoomReference(raw string) RoomReference {
	switch {
	case strings.HasPrefix(raw, "!"):
		return RoomReference{Kind: RefRoomID, Value: raw}
	case strings.HasPrefix(raw, "#"):
		return RoomReference{Kind: RefAlias, Value: raw}
	default:
		return RoomReference{Kind: RefRoomKey, Value: raw}
	}
}

func (r RoomReference) String() string { return r.Value }

// IsZero reports whether the reference is empty.
func (r RoomReference) IsZero() bool { return r.Value == "" }

// MarshalText implements encoding.TextMarshaler.
func (r RoomReference) MarshalText() ([]byte, error) {
	return []byte(r.Value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RoomReference) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty room reference")
	}
	*r = ParseRoomReference(string(data))
	return nil
}
