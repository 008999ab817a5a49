// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"sort"

	"github.com/shukon/matrix-secretary/lib/ref"
)

// Policy is a named, declarative description of a set of Matrix rooms
// and spaces. The policy key is the document's identity: re-adding a
// policy with the same key replaces the stored document without
// touching rooms that were already created from it.
type Policy struct {
	// PolicyKey identifies the policy. Immutable once stored.
	PolicyKey string `json:"policy_key"`

	// PolicyDescription is informational only.
	PolicyDescription string `json:"policy_description,omitempty"`

	// DefaultRoomSettings holds attribute defaults applied to every
	// room in the policy unless the room spec sets the attribute
	// itself. Keys match the RoomSpec JSON field names.
	DefaultRoomSettings map[string]any `json:"default_room_settings,omitempty"`

	// UserGroups names sets of users for invitee expansion. A room
	// spec's invitee map may reference a group by name; the group's
	// members each inherit the power level on the reference.
	UserGroups map[string]UserGroup `json:"user_groups,omitempty"`

	// Rooms maps policy-local room keys to room specs. Room keys are
	// author-chosen, stable, and unique within the policy; they are
	// the join column for persisted room bindings.
	Rooms map[string]RoomSpec `json:"rooms"`
}

// UserGroup is a named set of users referenced from invitee maps.
type UserGroup struct {
	Users []ref.UserID `json:"users"`
}

// RoomSpec describes the desired state of a single room or space.
//
// Optional attributes use pointer types so that an omitted key can be
// distinguished from an explicit empty or false value: defaults from
// DefaultRoomSettings apply only when the spec omits the key entirely.
type RoomSpec struct {
	// RoomName is the display name. Required for room creation.
	RoomName string `json:"room_name,omitempty"`

	// Alias is the desired alias localpart, sanitized through
	// EscapeAsAlias before use.
	Alias string `json:"alias,omitempty"`

	// Topic is the room topic.
	Topic *string `json:"topic,omitempty"`

	// RoomAvatar is an mxc:// URI for the room avatar.
	RoomAvatar *string `json:"room_avatar,omitempty"`

	// IsSpace marks the room as a Matrix space (m.space creation
	// content).
	IsSpace bool `json:"is_space,omitempty"`

	// ParentSpaces lists spaces this room is filed under. Each
	// parent gets an m.space.child event pointing at this room and
	// this room gets an m.space.parent event pointing back.
	ParentSpaces []RoomReference `json:"parent_spaces,omitempty"`

	// ParentSpacesSilent lists parents that receive the m.space.child
	// edge only, without the reciprocal m.space.parent on this room.
	ParentSpacesSilent []RoomReference `json:"parent_spaces_silent,omitempty"`

	JoinRule          *string `json:"join_rule,omitempty"`
	Visibility        *string `json:"visibility,omitempty"`
	GuestAccess       *string `json:"guest_access,omitempty"`
	HistoryVisibility *string `json:"history_visibility,omitempty"`

	// Encryption is not implemented: a spec that sets it fails
	// reconciliation loudly rather than silently skipping it.
	Encryption *bool `json:"encryption,omitempty"`

	// Suggested marks the m.space.child edges as suggested.
	Suggested bool `json:"suggested,omitempty"`

	// Invitees maps a user ID (keys starting with @) or a user group
	// name to the power level (0–100) that user or group receives.
	Invitees map[string]int `json:"invitees,omitempty"`

	// RoomID pins the spec to a pre-existing room instead of
	// creating one.
	RoomID string `json:"room_id,omitempty"`
}

// WithDefaults returns a copy of the spec with the policy's default
// room settings filled into attributes the spec leaves unset. Explicit
// spec values always win; a default applies only when the spec omits
// the key entirely.
func (s RoomSpec) WithDefaults(defaults map[string]any) RoomSpec {
	if len(defaults) == 0 {
		return s
	}
	if s.JoinRule == nil {
		s.JoinRule = defaultString(defaults, "join_rule")
	}
	if s.Visibility == nil {
		s.Visibility = defaultString(defaults, "visibility")
	}
	if s.GuestAccess == nil {
		s.GuestAccess = defaultString(defaults, "guest_access")
	}
	if s.HistoryVisibility == nil {
		s.HistoryVisibility = defaultString(defaults, "history_visibility")
	}
	if s.Topic == nil {
		s.Topic = defaultString(defaults, "topic")
	}
	if s.RoomAvatar == nil {
		s.RoomAvatar = defaultString(defaults, "room_avatar")
	}
	if s.Encryption == nil {
		if value, ok := defaults["encryption"].(bool); ok {
			s.Encryption = &value
		}
	}
	return s
}

func defaultString(defaults map[string]any, key string) *string {
	if value, ok := defaults[key].(string); ok {
		return &value
	}
	return nil
}

// ExpandInvitees resolves a room spec's invitee map into concrete user
// IDs. Keys starting with @ are literal user IDs; any other key must
// name an entry in the policy's user groups, whose members each
// inherit the power level on the group reference.
//
// Keys are visited in sorted order so that a user appearing in several
// groups with conflicting power levels resolves deterministically: the
// lexicographically last reference wins.
func (p *Policy) ExpandInvitees(spec RoomSpec) (map[ref.UserID]int, error) {
	expanded := make(map[ref.UserID]int, len(spec.Invitees))
	keys := make([]string, 0, len(spec.Invitees))
	for key := range spec.Invitees {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		power := spec.Invitees[key]
		if len(key) > 0 && key[0] == '@' {
			userID, err := ref.ParseUserID(key)
			if err != nil {
				return nil, fmt.Errorf("invitee %q: %w", key, err)
			}
			expanded[userID] = power
			continue
		}
		group, ok := p.UserGroups[key]
		if !ok {
			return nil, fmt.Errorf("invitee %q: no such user group in policy %q", key, p.PolicyKey)
		}
		for _, member := range group.Users {
			expanded[member] = power
		}
	}
	return expanded, nil
}

// RoomKeys returns the policy's room keys in sorted order, giving
// reconciliation a stable iteration order.
func (p *Policy) RoomKeys() []string {
	keys := make([]string, 0, len(p.Rooms))
	for key := range p.Rooms {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
