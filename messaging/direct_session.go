// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shukon/matrix-secretary/lib/ref"
	"github.com/shukon/matrix-secretary/lib/secret"
)

// DirectSession is an authenticated Matrix session.
// It wraps a Client with an access token for making authenticated API calls.
// DirectSessions are lightweight and safe to create in large numbers.
//
// The access token is stored in a secret.Buffer (mmap-backed, locked against
// swap, excluded from core dumps). The caller must call Close when the
// DirectSession is no longer needed.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    string

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID (e.g., "@bot.secretary:example.org").
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *DirectSession) DeviceID() string {
	return s.deviceID
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the access token memory (zeros, unlocks, unmaps).
// Idempotent — safe to call multiple times.
func (s *DirectSession) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token and returns the user ID.
// Useful for checking whether a stored token is still valid.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// CreateRoom creates a new Matrix room.
func (s *DirectSession) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: create room failed: %w", err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse createRoom response: %w", err)
	}

	s.client.logger.Info("created matrix room",
		"room_id", response.RoomID,
		"alias", request.Alias,
		"name", request.Name,
	)
	return response.RoomID, nil
}

// JoinRoom joins a room by ID. Returns the room ID.
func (s *DirectSession) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}

	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// InviteUser invites a user to a room.
func (s *DirectSession) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID.String()))
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, InviteRequest{UserID: userID})
	if err != nil {
		return fmt.Errorf("messaging: invite %q to %q failed: %w", userID, roomID, err)
	}
	return nil
}

// KickUser removes a user from a room with an optional reason.
func (s *DirectSession) KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/kick", url.PathEscape(roomID.String()))
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, KickRequest{
		UserID: userID,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("messaging: kick %q from %q failed: %w", userID, roomID, err)
	}
	return nil
}

// LeaveRoom leaves a room by ID.
func (s *DirectSession) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID.String()))
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return fmt.Errorf("messaging: leave room %q failed: %w", roomID, err)
	}
	return nil
}

// ForgetRoom forgets a previously left room, removing it from the
// user's room list. The server may garbage-collect the room once every
// member has forgotten it. Must be called after LeaveRoom.
func (s *DirectSession) ForgetRoom(ctx context.Context, roomID ref.RoomID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/forget", url.PathEscape(roomID.String()))
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return fmt.Errorf("messaging: forget room %q failed: %w", roomID, err)
	}
	return nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// JoinedMembers returns the members currently joined to a room, keyed
// by user ID. Unlike the full /members endpoint this only reports
// users with membership "join", which is exactly what membership
// reconciliation needs.
func (s *DirectSession) JoinedMembers(ctx context.Context, roomID ref.RoomID) (map[ref.UserID]JoinedMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members", url.PathEscape(roomID.String()))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined members for %q failed: %w", roomID, err)
	}

	var response JoinedMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined members response: %w", err)
	}
	return response.Joined, nil
}

// SendMessage sends a message to a room. Returns the event ID of the
// sent message.
func (s *DirectSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, "m.room.message", content)
}

// SendEvent sends an event of any type to a room.
// Uses Matrix's idempotent PUT with a transaction ID.
// Returns the event ID.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendStateEvent sends a state event to a room.
// State events use PUT with the event type and state key in the path.
// Returns the event ID.
func (s *DirectSession) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches a specific state event's content from a room.
// Returns the raw JSON content — the caller is responsible for
// unmarshaling into the appropriate type.
//
// If the state event does not exist, returns a *MatrixError with code M_NOT_FOUND.
func (s *DirectSession) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state event %s/%s in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// GetRoomState fetches all current state events from a room.
// Returns the full event objects including type, state_key, sender, etc.
//
// A *MatrixError with code M_FORBIDDEN or M_NOT_FOUND indicates the
// room is unreachable for this user — deleted, or the user was removed.
func (s *DirectSession) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", url.PathEscape(roomID.String()))

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room state for %q failed: %w", roomID, err)
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room state response: %w", err)
	}
	return events, nil
}

// ResolveAlias resolves a room alias (e.g., "#office:example.org") to a room ID.
// If no room carries the alias, returns a *MatrixError with code M_NOT_FOUND.
func (s *DirectSession) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: resolve alias %q failed: %w", alias, err)
	}

	var response ResolveAliasResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse resolve alias response: %w", err)
	}
	return response.RoomID, nil
}

// RoomAliases returns the aliases the local server holds for a room.
func (s *DirectSession) RoomAliases(ctx context.Context, roomID ref.RoomID) ([]ref.RoomAlias, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/aliases", url.PathEscape(roomID.String()))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: room aliases for %q failed: %w", roomID, err)
	}

	var response RoomAliasesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room aliases response: %w", err)
	}
	return response.Aliases, nil
}

// CreateRoomAlias maps a room alias to a room ID in the server's
// directory. Returns a *MatrixError with code M_ROOM_IN_USE (409) if
// the alias is already mapped.
func (s *DirectSession) CreateRoomAlias(ctx context.Context, alias ref.RoomAlias, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, map[string]any{
		"room_id": roomID.String(),
	})
	if err != nil {
		return fmt.Errorf("messaging: create alias %q for %q failed: %w", alias, roomID, err)
	}
	return nil
}

// DeleteRoomAlias removes a room alias from the server's directory.
func (s *DirectSession) DeleteRoomAlias(ctx context.Context, alias ref.RoomAlias) error {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	_, err := s.client.doRequest(ctx, http.MethodDelete, path, s.accessToken, nil)
	if err != nil {
		return fmt.Errorf("messaging: delete alias %q failed: %w", alias, err)
	}
	return nil
}

// RoomVisibility returns the room's visibility ("public" or "private")
// in the server's public room directory. This is a directory setting,
// not room state.
func (s *DirectSession) RoomVisibility(ctx context.Context, roomID ref.RoomID) (string, error) {
	path := "/_matrix/client/v3/directory/list/room/" + url.PathEscape(roomID.String())
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: room visibility for %q failed: %w", roomID, err)
	}

	var response RoomVisibilityResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse room visibility response: %w", err)
	}
	return response.Visibility, nil
}

// SetRoomVisibility sets the room's visibility in the server's public
// room directory.
func (s *DirectSession) SetRoomVisibility(ctx context.Context, roomID ref.RoomID, visibility string) error {
	path := "/_matrix/client/v3/directory/list/room/" + url.PathEscape(roomID.String())
	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, RoomVisibilityResponse{
		Visibility: visibility,
	})
	if err != nil {
		return fmt.Errorf("messaging: set room visibility for %q failed: %w", roomID, err)
	}
	return nil
}

// Sync performs an incremental sync with the homeserver.
// For initial sync, leave options.Since empty.
// For long-polling, set options.Timeout to the desired wait in milliseconds.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	path := "/_matrix/client/v3/sync"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// nextTransactionID generates a unique transaction ID for idempotent event sending.
// Format: "secretary-<timestamp_ms>-<counter>" to ensure uniqueness across restarts.
func (s *DirectSession) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("secretary-%d-%d", time.Now().UnixMilli(), counter)
}
