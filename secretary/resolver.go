// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package secretary

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shukon/matrix-secretary/lib/ref"
	"github.com/shukon/matrix-secretary/messaging"
	"github.com/shukon/matrix-secretary/policy"
)

// botPowerLevel is the power level the secretary grants itself in
// every room it creates. Deliberately above any invitee level so the
// bot can always repair room state later.
const botPowerLevel = 9001

// defaultTopic is applied at creation when the spec sets no topic.
const defaultTopic = "No topic set."

// ensureRoomExists resolves a policy room key to a live Matrix room,
// creating the room when necessary.
//
// A recorded binding is probed with GetRoomState before it is trusted:
// M_FORBIDDEN or M_NOT_FOUND means the room was deleted (or the bot
// was removed) behind the secretary's back, so the stale binding is
// dropped and the room recreated. Any other probe failure propagates
// unchanged — a flaky homeserver must not trigger room churn.
func (s *Secretary) ensureRoomExists(ctx context.Context, document *policy.Policy, roomKey string, spec policy.RoomSpec, invitees map[ref.UserID]int) (ref.RoomID, error) {
	roomID, err := s.store.Binding(ctx, document.PolicyKey, roomKey)
	switch {
	case err == nil:
		_, probeErr := s.directory.GetRoomState(ctx, roomID)
		if probeErr == nil {
			return roomID, nil
		}
		if !messaging.IsUnreachable(probeErr) {
			return ref.RoomID{}, fmt.Errorf("probing room %s: %w", roomID, probeErr)
		}
		s.logger.Warn("room binding gone stale, recreating",
			"policy", document.PolicyKey, "room_key", roomKey, "room_id", roomID)
		if err := s.store.RemoveBinding(ctx, document.PolicyKey, roomKey); err != nil {
			return ref.RoomID{}, err
		}
		// The dead room may still hold the spec's alias in the
		// directory, which would make recreation fail with
		// M_ROOM_IN_USE. Release it first.
		if spec.Alias != "" {
			stale := ref.NewRoomAlias(policy.EscapeAsAlias(spec.Alias), s.serverName)
			if err := s.directory.DeleteRoomAlias(ctx, stale); err != nil && !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
				return ref.RoomID{}, fmt.Errorf("releasing stale alias %s: %w", stale, err)
			}
		}
	case !errors.Is(err, ErrBindingNotFound):
		return ref.RoomID{}, err
	}

	// A spec pinned to a pre-existing room adopts it instead of
	// creating a new one. The pin must be reachable: falling back to
	// creation would silently diverge from the author's intent.
	if spec.RoomID != "" {
		pinned, err := ref.ParseRoomID(spec.RoomID)
		if err != nil {
			return ref.RoomID{}, &ConfigurationError{
				PolicyKey: document.PolicyKey,
				Issues:    []string{fmt.Sprintf("rooms[%q]: room_id: %v", roomKey, err)},
			}
		}
		if _, probeErr := s.directory.GetRoomState(ctx, pinned); probeErr != nil {
			return ref.RoomID{}, fmt.Errorf("pinned room %s for %s:%s: %w", pinned, document.PolicyKey, roomKey, probeErr)
		}
		if err := s.store.AddBinding(ctx, document.PolicyKey, roomKey, pinned); err != nil {
			return ref.RoomID{}, err
		}
		return pinned, nil
	}

	return s.createRoom(ctx, document, roomKey, spec, invitees)
}

// createRoom creates the Matrix room for a spec and records its
// binding. The expanded invitees become both the invite list and a
// power-level override, with the secretary itself on top.
func (s *Secretary) createRoom(ctx context.Context, document *policy.Policy, roomKey string, spec policy.RoomSpec, invitees map[ref.UserID]int) (ref.RoomID, error) {
	if spec.RoomName == "" {
		return ref.RoomID{}, &ConfigurationError{
			PolicyKey: document.PolicyKey,
			Issues:    []string{fmt.Sprintf("rooms[%q]: room_name is required", roomKey)},
		}
	}

	topic := defaultTopic
	if spec.Topic != nil {
		topic = *spec.Topic
	}

	userLevels := map[string]any{
		s.directory.UserID().String(): botPowerLevel,
	}
	inviteList := make([]ref.UserID, 0, len(invitees))
	for userID, power := range invitees {
		userLevels[userID.String()] = power
		if userID != s.directory.UserID() {
			inviteList = append(inviteList, userID)
		}
	}
	sort.Slice(inviteList, func(i, j int) bool {
		return inviteList[i].String() < inviteList[j].String()
	})

	request := messaging.CreateRoomRequest{
		Name:   spec.RoomName,
		Topic:  topic,
		Invite: inviteList,
		PowerLevelContentOverride: map[string]any{
			"users": userLevels,
		},
	}
	if spec.Alias != "" {
		request.Alias = policy.EscapeAsAlias(spec.Alias)
	}
	if spec.Visibility != nil {
		request.Visibility = *spec.Visibility
	}
	if spec.IsSpace {
		request.CreationContent = map[string]any{"type": "m.space"}
	}

	roomID, err := s.directory.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("creating room %s:%s: %w", document.PolicyKey, roomKey, err)
	}
	s.logger.Info("room created",
		"policy", document.PolicyKey, "room_key", roomKey, "room_id", roomID, "is_space", spec.IsSpace)

	if err := s.store.AddBinding(ctx, document.PolicyKey, roomKey, roomID); err != nil {
		return ref.RoomID{}, err
	}
	return roomID, nil
}
