// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"

	"github.com/shukon/matrix-secretary/lib/ref"
)

// Directory is the interface for the Matrix operations the
// reconciliation core performs. *DirectSession implements it against a
// real homeserver; tests substitute hand-written fakes.
//
// Operator-only methods (DeviceID, JoinRoom, CloseIdleConnections) are
// not part of this interface. Code that needs them should type-assert
// to *DirectSession.
type Directory interface {
	// UserID returns the fully-qualified Matrix user ID of the
	// authenticated account (e.g., "@bot.secretary:example.org").
	UserID() ref.UserID

	// Close releases any resources held by the session. Idempotent.
	Close() error

	// WhoAmI validates the session and returns the user ID.
	WhoAmI(ctx context.Context) (ref.UserID, error)

	// CreateRoom creates a new Matrix room and returns its room ID.
	CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error)

	// GetStateEvent fetches a specific state event's content from a room.
	// Returns the raw JSON content for the caller to unmarshal.
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)

	// SendStateEvent sends a state event to a room. Returns the event ID.
	SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error)

	// GetRoomState fetches all current state events from a room. A
	// *MatrixError with M_FORBIDDEN or M_NOT_FOUND signals the room is
	// unreachable.
	GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error)

	// ResolveAlias resolves a room alias to a room ID.
	ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error)

	// RoomAliases returns the local server's aliases for a room.
	RoomAliases(ctx context.Context, roomID ref.RoomID) ([]ref.RoomAlias, error)

	// CreateRoomAlias maps an alias to a room in the server directory.
	CreateRoomAlias(ctx context.Context, alias ref.RoomAlias, roomID ref.RoomID) error

	// DeleteRoomAlias removes an alias from the server directory.
	DeleteRoomAlias(ctx context.Context, alias ref.RoomAlias) error

	// JoinedMembers returns the currently joined members of a room.
	JoinedMembers(ctx context.Context, roomID ref.RoomID) (map[ref.UserID]JoinedMember, error)

	// InviteUser invites a user to a room.
	InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error

	// KickUser removes a user from a room with an optional reason.
	KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error

	// LeaveRoom leaves a room.
	LeaveRoom(ctx context.Context, roomID ref.RoomID) error

	// ForgetRoom forgets a previously left room.
	ForgetRoom(ctx context.Context, roomID ref.RoomID) error

	// JoinedRooms returns the list of room IDs the user has joined.
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)

	// RoomVisibility returns the room's public-directory visibility.
	RoomVisibility(ctx context.Context, roomID ref.RoomID) (string, error)

	// SetRoomVisibility sets the room's public-directory visibility.
	SetRoomVisibility(ctx context.Context, roomID ref.RoomID, visibility string) error

	// SendMessage sends a message to a room. Returns the event ID.
	SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error)

	// Sync performs an incremental sync with the homeserver.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)
}

// Compile-time check: *DirectSession implements Directory.
var _ Directory = (*DirectSession)(nil)
