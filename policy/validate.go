// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"sort"
	"strings"
)

// legalValues maps each constrained room attribute to its allowed
// values, matching the Matrix client-server specification. Attribute
// names are the RoomSpec JSON keys.
var legalValues = map[string][]string{
	"join_rule":          {"public", "knock", "invite", "restricted", "knock_restricted", "private"},
	"visibility":         {"public", "private"},
	"guest_access":       {"can_join", "forbidden"},
	"history_visibility": {"shared", "invited", "joined", "world_readable"},
}

// CheckAttribute reports whether value is legal for the named room
// attribute. Attributes without a constrained value set always pass.
// The error lists the legal values.
func CheckAttribute(name, value string) error {
	legal, constrained := legalValues[name]
	if !constrained {
		return nil
	}
	for _, candidate := range legal {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("illegal %s %q (legal values: %s)", name, value, strings.Join(legal, ", "))
}

// Validate checks a policy for configuration issues. Returns a list of
// human-readable issue descriptions; an empty list means the policy is
// valid. Violations are configuration errors: reconciliation refuses
// to write anything for a room whose spec fails these checks.
//
// Checks include:
//   - policy_key must be non-empty
//   - every room needs a non-empty room_name (and not the reserved
//     name "help")
//   - join_rule, visibility, guest_access, and history_visibility must
//     come from their legal value sets (defaults included)
//   - invitee power levels must be in 0–100
//   - non-literal invitee keys must name an existing user group
//   - policy-local parent space references must name a room key in
//     this policy
func Validate(document *Policy) []string {
	var issues []string

	if document.PolicyKey == "" {
		issues = append(issues, "policy has no policy_key")
	}

	for key, value := range document.DefaultRoomSettings {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if err := CheckAttribute(key, text); err != nil {
			issues = append(issues, fmt.Sprintf("default_room_settings: %v", err))
		}
	}

	roomKeys := make([]string, 0, len(document.Rooms))
	for key := range document.Rooms {
		roomKeys = append(roomKeys, key)
	}
	sort.Strings(roomKeys)

	for _, roomKey := range roomKeys {
		spec := document.Rooms[roomKey]
		prefix := fmt.Sprintf("rooms[%q]", roomKey)

		if spec.RoomName == "" {
			issues = append(issues, prefix+": room_name is required")
		} else if spec.RoomName == "help" {
			issues = append(issues, prefix+`: room_name "help" is reserved`)
		}

		for name, value := range map[string]*string{
			"join_rule":          spec.JoinRule,
			"visibility":         spec.Visibility,
			"guest_access":       spec.GuestAccess,
			"history_visibility": spec.HistoryVisibility,
		} {
			if value == nil {
				continue
			}
			if err := CheckAttribute(name, *value); err != nil {
				issues = append(issues, fmt.Sprintf("%s: %v", prefix, err))
			}
		}

		inviteeKeys := make([]string, 0, len(spec.Invitees))
		for key := range spec.Invitees {
			inviteeKeys = append(inviteeKeys, key)
		}
		sort.Strings(inviteeKeys)
		for _, invitee := range inviteeKeys {
			power := spec.Invitees[invitee]
			if power < 0 || power > 100 {
				issues = append(issues, fmt.Sprintf("%s: invitee %q power level %d out of range 0–100", prefix, invitee, power))
			}
			if !strings.HasPrefix(invitee, "@") {
				if _, ok := document.UserGroups[invitee]; !ok {
					issues = append(issues, fmt.Sprintf("%s: invitee %q names no user group", prefix, invitee))
				}
			}
		}

		for _, parent := range append(append([]RoomReference(nil), spec.ParentSpaces...), spec.ParentSpacesSilent...) {
			if parent.Kind != RefRoomKey {
				continue
			}
			if _, ok := document.Rooms[parent.Value]; !ok {
				issues = append(issues, fmt.Sprintf("%s: parent space %q names no room in this policy", prefix, parent.Value))
			}
		}
	}

	return issues
}
