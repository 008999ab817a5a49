// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package secretary

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/shukon/matrix-secretary/lib/ref"
	"github.com/shukon/matrix-secretary/messaging"
	"github.com/shukon/matrix-secretary/policy"
)

// State event types the reconciler manages.
const (
	eventRoomName          = ref.EventType("m.room.name")
	eventRoomTopic         = ref.EventType("m.room.topic")
	eventRoomAvatar        = ref.EventType("m.room.avatar")
	eventHistoryVisibility = ref.EventType("m.room.history_visibility")
	eventGuestAccess       = ref.EventType("m.room.guest_access")
	eventJoinRules         = ref.EventType("m.room.join_rules")
	eventSpaceChild        = ref.EventType("m.space.child")
	eventSpaceParent       = ref.EventType("m.space.parent")
	eventRoomMember        = ref.EventType("m.room.member")
)

type nameContent struct {
	Name string `json:"name"`
}

type topicContent struct {
	Topic string `json:"topic"`
}

type avatarContent struct {
	URL string `json:"url"`
}

type historyVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

type guestAccessContent struct {
	GuestAccess string `json:"guest_access"`
}

type joinRulesContent struct {
	JoinRule string          `json:"join_rule"`
	Allow    []joinRuleAllow `json:"allow,omitempty"`
}

type joinRuleAllow struct {
	Type   string     `json:"type"`
	RoomID ref.RoomID `json:"room_id"`
}

type spaceChildContent struct {
	Via       []string `json:"via,omitempty"`
	Suggested bool     `json:"suggested,omitempty"`
}

type memberContent struct {
	Membership string `json:"membership"`
}

type spaceParentContent struct {
	Via       []string `json:"via,omitempty"`
	Canonical bool     `json:"canonical,omitempty"`
}

// roomReconciliation carries the per-room context shared by the
// attribute rules: the merged spec, the policy it came from, the
// policy's current bindings, and the resolved parent space IDs.
type roomReconciliation struct {
	roomID        ref.RoomID
	spec          policy.RoomSpec
	document      *policy.Policy
	parents       []ref.RoomID // from parent_spaces, in spec order
	silentParents []ref.RoomID // from parent_spaces_silent
}

// attributeRule is one row of the reconciliation table. Rules run in
// declared order; a failing non-fatal rule is logged and skipped, a
// failing fatal rule aborts the room.
type attributeRule struct {
	name   string
	fatal  bool
	ensure func(s *Secretary, ctx context.Context, rc *roomReconciliation) error
}

// roomAttributes is the fixed reconciliation order. Parent-space edges
// run before join_rule so a freshly written restricted rule can refer
// to its parents; avatar failures are tolerated because setting it
// needs a power level some homeservers reserve.
var roomAttributes = []attributeRule{
	{name: "room_name", fatal: true, ensure: (*Secretary).ensureName},
	{name: "topic", fatal: true, ensure: (*Secretary).ensureTopic},
	{name: "alias", fatal: true, ensure: (*Secretary).ensureAlias},
	{name: "room_avatar", fatal: false, ensure: (*Secretary).ensureAvatar},
	{name: "history_visibility", fatal: true, ensure: (*Secretary).ensureHistoryVisibility},
	{name: "guest_access", fatal: true, ensure: (*Secretary).ensureGuestAccess},
	{name: "parent_spaces", fatal: true, ensure: (*Secretary).ensureSpaceEdges},
	{name: "join_rule", fatal: true, ensure: (*Secretary).ensureJoinRule},
	{name: "visibility", fatal: true, ensure: (*Secretary).ensureVisibility},
	{name: "encryption", fatal: true, ensure: (*Secretary).ensureEncryption},
}

// ensureRoomConfig converges a room's attributes toward its merged
// spec. Every attribute is read before it is written: a value that
// already matches produces no write at all.
func (s *Secretary) ensureRoomConfig(ctx context.Context, roomID ref.RoomID, spec policy.RoomSpec, document *policy.Policy, bindings map[string]ref.RoomID) error {
	rc := &roomReconciliation{
		roomID:   roomID,
		spec:     spec,
		document: document,
	}

	var err error
	rc.parents, err = s.resolveReferences(ctx, spec.ParentSpaces, bindings)
	if err != nil {
		return fmt.Errorf("room %s: parent_spaces: %w", roomID, err)
	}
	rc.silentParents, err = s.resolveReferences(ctx, spec.ParentSpacesSilent, bindings)
	if err != nil {
		return fmt.Errorf("room %s: parent_spaces_silent: %w", roomID, err)
	}

	for _, rule := range roomAttributes {
		if err := rule.ensure(s, ctx, rc); err != nil {
			if !rule.fatal {
				s.logger.Warn("attribute reconciliation failed, continuing",
					"room_id", roomID, "attribute", rule.name, "error", err)
				continue
			}
			return fmt.Errorf("room %s: %s: %w", roomID, rule.name, err)
		}
	}
	return nil
}

// resolveReferences maps room references to concrete room IDs: room
// IDs pass through, aliases resolve via the server directory, local
// room keys resolve through this policy's bindings (which the
// existence pass populated before any configuration runs).
func (s *Secretary) resolveReferences(ctx context.Context, references []policy.RoomReference, bindings map[string]ref.RoomID) ([]ref.RoomID, error) {
	resolved := make([]ref.RoomID, 0, len(references))
	for _, reference := range references {
		switch reference.Kind {
		case policy.RefRoomID:
			roomID, err := ref.ParseRoomID(reference.Value)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, roomID)
		case policy.RefAlias:
			alias, err := ref.ParseRoomAlias(reference.Value)
			if err != nil {
				return nil, err
			}
			roomID, err := s.directory.ResolveAlias(ctx, alias)
			if err != nil {
				return nil, fmt.Errorf("resolving alias %s: %w", alias, err)
			}
			resolved = append(resolved, roomID)
		default:
			roomID, ok := bindings[reference.Value]
			if !ok {
				return nil, fmt.Errorf("room key %q has no binding", reference.Value)
			}
			resolved = append(resolved, roomID)
		}
	}
	return resolved, nil
}

// currentState reads a typed state event, mapping M_NOT_FOUND (the
// event was never set) to ok=false instead of an error.
func currentState[T any](ctx context.Context, directory messaging.Directory, roomID ref.RoomID, eventType ref.EventType, stateKey string) (T, bool, error) {
	value, err := messaging.GetState[T](ctx, directory, roomID, eventType, stateKey)
	if err != nil {
		var zero T
		if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return value, true, nil
}

func (s *Secretary) ensureName(ctx context.Context, rc *roomReconciliation) error {
	current, ok, err := currentState[nameContent](ctx, s.directory, rc.roomID, eventRoomName, "")
	if err != nil {
		return err
	}
	if ok && current.Name == rc.spec.RoomName {
		return nil
	}
	_, err = s.directory.SendStateEvent(ctx, rc.roomID, eventRoomName, "", nameContent{Name: rc.spec.RoomName})
	return err
}

func (s *Secretary) ensureTopic(ctx context.Context, rc *roomReconciliation) error {
	if rc.spec.Topic == nil {
		return nil
	}
	current, ok, err := currentState[topicContent](ctx, s.directory, rc.roomID, eventRoomTopic, "")
	if err != nil {
		return err
	}
	if ok && current.Topic == *rc.spec.Topic {
		return nil
	}
	_, err = s.directory.SendStateEvent(ctx, rc.roomID, eventRoomTopic, "", topicContent{Topic: *rc.spec.Topic})
	return err
}

func (s *Secretary) ensureAlias(ctx context.Context, rc *roomReconciliation) error {
	if rc.spec.Alias == "" {
		return nil
	}
	desired := ref.NewRoomAlias(policy.EscapeAsAlias(rc.spec.Alias), s.serverName)
	aliases, err := s.directory.RoomAliases(ctx, rc.roomID)
	if err != nil {
		return err
	}
	if slices.Contains(aliases, desired) {
		return nil
	}
	return s.directory.CreateRoomAlias(ctx, desired, rc.roomID)
}

func (s *Secretary) ensureAvatar(ctx context.Context, rc *roomReconciliation) error {
	if rc.spec.RoomAvatar == nil {
		return nil
	}
	current, ok, err := currentState[avatarContent](ctx, s.directory, rc.roomID, eventRoomAvatar, "")
	if err != nil {
		return err
	}
	if ok && current.URL == *rc.spec.RoomAvatar {
		return nil
	}
	_, err = s.directory.SendStateEvent(ctx, rc.roomID, eventRoomAvatar, "", avatarContent{URL: *rc.spec.RoomAvatar})
	return err
}

func (s *Secretary) ensureHistoryVisibility(ctx context.Context, rc *roomReconciliation) error {
	if rc.spec.HistoryVisibility == nil {
		return nil
	}
	desired := *rc.spec.HistoryVisibility
	if err := policy.CheckAttribute("history_visibility", desired); err != nil {
		return err
	}
	current, ok, err := currentState[historyVisibilityContent](ctx, s.directory, rc.roomID, eventHistoryVisibility, "")
	if err != nil {
		return err
	}
	if ok && current.HistoryVisibility == desired {
		return nil
	}
	_, err = s.directory.SendStateEvent(ctx, rc.roomID, eventHistoryVisibility, "", historyVisibilityContent{HistoryVisibility: desired})
	return err
}

func (s *Secretary) ensureGuestAccess(ctx context.Context, rc *roomReconciliation) error {
	if rc.spec.GuestAccess == nil {
		return nil
	}
	desired := *rc.spec.GuestAccess
	if err := policy.CheckAttribute("guest_access", desired); err != nil {
		return err
	}
	current, ok, err := currentState[guestAccessContent](ctx, s.directory, rc.roomID, eventGuestAccess, "")
	if err != nil {
		return err
	}
	if ok && current.GuestAccess == desired {
		return nil
	}
	_, err = s.directory.SendStateEvent(ctx, rc.roomID, eventGuestAccess, "", guestAccessContent{GuestAccess: desired})
	return err
}

func (s *Secretary) ensureJoinRule(ctx context.Context, rc *roomReconciliation) error {
	if rc.spec.JoinRule == nil {
		return nil
	}
	desired := joinRulesContent{JoinRule: *rc.spec.JoinRule}
	if err := policy.CheckAttribute("join_rule", desired.JoinRule); err != nil {
		return err
	}
	// Every parent space grants membership-based joining, silent
	// parents included.
	for _, parent := range rc.parents {
		desired.Allow = append(desired.Allow, joinRuleAllow{Type: "m.room_membership", RoomID: parent})
	}
	for _, parent := range rc.silentParents {
		desired.Allow = append(desired.Allow, joinRuleAllow{Type: "m.room_membership", RoomID: parent})
	}

	current, ok, err := currentState[joinRulesContent](ctx, s.directory, rc.roomID, eventJoinRules, "")
	if err != nil {
		return err
	}
	if ok && joinRulesEqual(current, desired) {
		return nil
	}
	_, err = s.directory.SendStateEvent(ctx, rc.roomID, eventJoinRules, "", desired)
	return err
}

func joinRulesEqual(a, b joinRulesContent) bool {
	if a.JoinRule != b.JoinRule || len(a.Allow) != len(b.Allow) {
		return false
	}
	rooms := func(allow []joinRuleAllow) []string {
		ids := make([]string, 0, len(allow))
		for _, entry := range allow {
			ids = append(ids, entry.Type+"/"+entry.RoomID.String())
		}
		sort.Strings(ids)
		return ids
	}
	return slices.Equal(rooms(a.Allow), rooms(b.Allow))
}

func (s *Secretary) ensureVisibility(ctx context.Context, rc *roomReconciliation) error {
	if rc.spec.Visibility == nil {
		return nil
	}
	desired := *rc.spec.Visibility
	if err := policy.CheckAttribute("visibility", desired); err != nil {
		return err
	}
	current, err := s.directory.RoomVisibility(ctx, rc.roomID)
	if err != nil {
		return err
	}
	if current == desired {
		return nil
	}
	return s.directory.SetRoomVisibility(ctx, rc.roomID, desired)
}

// ensureSpaceEdges files the room under its parent spaces: an
// m.space.child event on each parent and a reciprocal canonical
// m.space.parent on the room itself. Silent parents write the same
// event pair, but their child edge is never flagged as suggested.
func (s *Secretary) ensureSpaceEdges(ctx context.Context, rc *roomReconciliation) error {
	via := []string{s.serverName.String()}

	writeEdges := func(parent ref.RoomID, suggested bool) error {
		child := spaceChildContent{Via: via, Suggested: suggested}
		currentChild, ok, err := currentState[spaceChildContent](ctx, s.directory, parent, eventSpaceChild, rc.roomID.String())
		if err != nil {
			return err
		}
		if !ok || currentChild.Suggested != child.Suggested || !slices.Contains(currentChild.Via, s.serverName.String()) {
			if _, err := s.directory.SendStateEvent(ctx, parent, eventSpaceChild, rc.roomID.String(), child); err != nil {
				return err
			}
		}

		currentParent, ok, err := currentState[spaceParentContent](ctx, s.directory, rc.roomID, eventSpaceParent, parent.String())
		if err != nil {
			return err
		}
		if ok && currentParent.Canonical && slices.Contains(currentParent.Via, s.serverName.String()) {
			return nil
		}
		_, err = s.directory.SendStateEvent(ctx, rc.roomID, eventSpaceParent, parent.String(), spaceParentContent{Via: via, Canonical: true})
		return err
	}

	for _, parent := range rc.parents {
		if err := writeEdges(parent, rc.spec.Suggested); err != nil {
			return err
		}
	}
	for _, parent := range rc.silentParents {
		if err := writeEdges(parent, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Secretary) ensureEncryption(ctx context.Context, rc *roomReconciliation) error {
	if rc.spec.Encryption == nil || !*rc.spec.Encryption {
		return nil
	}
	// Enabling encryption is a one-way door on the Matrix side. Fail
	// loudly rather than pretend the spec was satisfied.
	return fmt.Errorf("room encryption: %w", ErrNotImplemented)
}

// ensureRoomUsers issues invites for expanded invitees who are not
// already in the room. Strictly additive: reconciliation never kicks a
// member or revokes an invite.
func (s *Secretary) ensureRoomUsers(ctx context.Context, roomID ref.RoomID, invitees map[ref.UserID]int) error {
	joined, err := s.directory.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room %s: listing members: %w", roomID, err)
	}

	userIDs := make([]ref.UserID, 0, len(invitees))
	for userID := range invitees {
		userIDs = append(userIDs, userID)
	}
	sort.Slice(userIDs, func(i, j int) bool {
		return userIDs[i].String() < userIDs[j].String()
	})

	for _, userID := range userIDs {
		if userID == s.directory.UserID() {
			continue
		}
		if _, ok := joined[userID]; ok {
			continue
		}
		member, ok, err := currentState[memberContent](ctx, s.directory, roomID, eventRoomMember, userID.String())
		if err != nil {
			return fmt.Errorf("room %s: membership of %s: %w", roomID, userID, err)
		}
		if ok && (member.Membership == "invite" || member.Membership == "join") {
			continue
		}
		if err := s.directory.InviteUser(ctx, roomID, userID); err != nil {
			// Inviting a user who accepted between the read and the
			// write surfaces as M_FORBIDDEN. That is the state we
			// wanted, not a failure.
			if messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
				s.logger.Debug("invite skipped", "room_id", roomID, "user_id", userID, "error", err)
				continue
			}
			return fmt.Errorf("inviting %s to %s: %w", userID, roomID, err)
		}
		s.logger.Info("user invited", "room_id", roomID, "user_id", userID)
	}
	return nil
}
