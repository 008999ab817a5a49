// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/shukon/matrix-secretary/lib/ref"
)

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// CreateRoomRequest holds parameters for creating a Matrix room.
type CreateRoomRequest struct {
	Name                      string         `json:"name,omitempty"`
	Topic                     string         `json:"topic,omitempty"`
	Alias                     string         `json:"room_alias_name,omitempty"` // local alias without # or :server
	RoomVersion               string         `json:"room_version,omitempty"`    // e.g. "11"; empty uses server default
	Visibility                string         `json:"visibility,omitempty"`      // "public" or "private"
	Preset                    string         `json:"preset,omitempty"`          // "private_chat", "public_chat", "trusted_private_chat"
	Invite                    []ref.UserID   `json:"invite,omitempty"`
	CreationContent           map[string]any `json:"creation_content,omitempty"` // e.g. {"type": "m.space"} for spaces
	InitialState              []StateEvent   `json:"initial_state,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"` // override default power levels
}

// CreateRoomResponse is returned by the createRoom endpoint.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// StateEvent represents a Matrix state event for room creation or state setting.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// MessageContent is the content body of a Matrix message event
// (m.room.message). The secretary sends plain text messages and
// notices; RelatesTo carries thread context for command replies.
type MessageContent struct {
	MsgType   string     `json:"msgtype"`
	Body      string     `json:"body"`
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

// RelatesTo expresses relationships between events.
// For threads, RelType is "m.thread" and EventID is the thread root.
type RelatesTo struct {
	RelType       string      `json:"rel_type"`
	EventID       ref.EventID `json:"event_id"`
	IsFallingBack bool        `json:"is_falling_back,omitempty"`
	InReplyTo     *InReplyTo  `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references a specific event being replied to within a thread.
type InReplyTo struct {
	EventID ref.EventID `json:"event_id"`
}

// NewTextMessage creates a plain text message with no thread context.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    body,
	}
}

// NewNotice creates an m.notice message. Bots reply with notices so
// that other bots (including the secretary itself) ignore them.
func NewNotice(body string) MessageContent {
	return MessageContent{
		MsgType: "m.notice",
		Body:    body,
	}
}

// NewThreadReply creates a message that replies within an existing thread.
// threadRootID is the event ID of the thread's root message.
func NewThreadReply(threadRootID ref.EventID, body string) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    body,
		RelatesTo: &RelatesTo{
			RelType:       "m.thread",
			EventID:       threadRootID,
			IsFallingBack: true,
			InReplyTo: &InReplyTo{
				EventID: threadRootID,
			},
		},
	}
}

// Event represents a Matrix event from the server.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           ref.EventType  `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection contains per-room sync data grouped by membership state.
// Map keys are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler
// for automatic validation at deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// InviteRequest holds the user ID to invite to a room.
type InviteRequest struct {
	UserID ref.UserID `json:"user_id"`
}

// KickRequest is the request body for kicking a user from a room.
type KickRequest struct {
	UserID ref.UserID `json:"user_id"`
	Reason string     `json:"reason,omitempty"`
}

// SendEventResponse is returned by SendMessage, SendEvent, and SendStateEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// ResolveAliasResponse is returned by ResolveAlias.
type ResolveAliasResponse struct {
	RoomID  ref.RoomID `json:"room_id"`
	Servers []string   `json:"servers"`
}

// RoomAliasesResponse is returned by the /rooms/{roomId}/aliases endpoint.
type RoomAliasesResponse struct {
	Aliases []ref.RoomAlias `json:"aliases"`
}

// RoomVisibilityResponse is the body of the directory list endpoint,
// used for both reads and writes.
type RoomVisibilityResponse struct {
	Visibility string `json:"visibility"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// JoinedMember is one entry in the /joined_members response.
type JoinedMember struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// JoinedMembersResponse is returned by the /joined_members endpoint.
type JoinedMembersResponse struct {
	Joined map[ref.UserID]JoinedMember `json:"joined"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
