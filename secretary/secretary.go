// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package secretary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shukon/matrix-secretary/lib/ref"
	"github.com/shukon/matrix-secretary/messaging"
	"github.com/shukon/matrix-secretary/policy"
)

// kickReason is sent with every kick issued during room teardown.
const kickReason = "Room deletion."

// Secretary reconciles stored policies against a Matrix homeserver.
type Secretary struct {
	store      *Store
	directory  messaging.Directory
	serverName ref.ServerName
	logger     *slog.Logger

	// botPrefix is the user-ID localpart prefix that marks an account
	// as a bot for the abandoned-room check (default "bot.").
	botPrefix string

	mu         sync.Mutex
	noticeRoom ref.RoomID
}

// Config holds the dependencies for constructing a Secretary.
type Config struct {
	// Store is the policy store. Required.
	Store *Store

	// Directory performs the Matrix operations. Required.
	Directory messaging.Directory

	// ServerName is the local homeserver name, used to build aliases
	// and via hints. Required.
	ServerName ref.ServerName

	// BotPrefix marks bot accounts by user-ID localpart prefix.
	// Defaults to "bot.".
	BotPrefix string

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// New constructs a Secretary.
func New(cfg Config) (*Secretary, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("secretary: Store is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("secretary: Directory is required")
	}
	if cfg.ServerName.IsZero() {
		return nil, fmt.Errorf("secretary: ServerName is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("secretary: Logger is required")
	}
	botPrefix := cfg.BotPrefix
	if botPrefix == "" {
		botPrefix = "bot."
	}
	return &Secretary{
		store:      cfg.Store,
		directory:  cfg.Directory,
		serverName: cfg.ServerName,
		logger:     cfg.Logger,
		botPrefix:  botPrefix,
	}, nil
}

// Store returns the underlying policy store.
func (s *Secretary) Store() *Store { return s.store }

// EnsurePolicy drives the homeserver toward a stored policy. Two
// passes over the policy's rooms: the first guarantees every room
// exists (healing stale bindings), the second converges configuration
// and membership. Existence-before-configuration means a parent-space
// reference to a sibling room always has a binding to resolve against,
// regardless of iteration order.
func (s *Secretary) EnsurePolicy(ctx context.Context, policyKey string) error {
	document, err := s.store.Policy(ctx, policyKey)
	if err != nil {
		return err
	}
	if issues := policy.Validate(document); len(issues) > 0 {
		return &ConfigurationError{PolicyKey: policyKey, Issues: issues}
	}

	roomKeys := document.RoomKeys()

	merged := make(map[string]policy.RoomSpec, len(roomKeys))
	invitees := make(map[string]map[ref.UserID]int, len(roomKeys))
	for _, roomKey := range roomKeys {
		spec := document.Rooms[roomKey].WithDefaults(document.DefaultRoomSettings)
		expanded, err := document.ExpandInvitees(spec)
		if err != nil {
			return &ConfigurationError{
				PolicyKey: policyKey,
				Issues:    []string{fmt.Sprintf("rooms[%q]: %v", roomKey, err)},
			}
		}
		merged[roomKey] = spec
		invitees[roomKey] = expanded
	}

	for _, roomKey := range roomKeys {
		if _, err := s.ensureRoomExists(ctx, document, roomKey, merged[roomKey], invitees[roomKey]); err != nil {
			return err
		}
	}

	bindings, err := s.store.Bindings(ctx, policyKey)
	if err != nil {
		return err
	}

	for _, roomKey := range roomKeys {
		roomID, ok := bindings[roomKey]
		if !ok {
			return fmt.Errorf("room %s:%s lost its binding between passes", policyKey, roomKey)
		}
		if err := s.ensureRoomConfig(ctx, roomID, merged[roomKey], document, bindings); err != nil {
			return err
		}
		if err := s.ensureRoomUsers(ctx, roomID, invitees[roomKey]); err != nil {
			return err
		}
		if err := s.ensureRoomActions(ctx, roomID, merged[roomKey]); err != nil {
			return err
		}
	}

	s.logger.Info("policy ensured", "policy", policyKey, "rooms", len(roomKeys))
	return nil
}

// ensureRoomActions is the reserved per-room hook for follow-up bot
// actions (inviting helper bots, issuing their setup commands). No
// actions are defined yet.
func (s *Secretary) ensureRoomActions(ctx context.Context, roomID ref.RoomID, spec policy.RoomSpec) error {
	return nil
}

// EnsureAllPolicies runs EnsurePolicy for every stored policy,
// sequentially. A failing policy does not stop the others; failures
// are joined into the returned error.
func (s *Secretary) EnsureAllPolicies(ctx context.Context) error {
	keys, err := s.store.PolicyKeys(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := s.EnsurePolicy(ctx, key); err != nil {
			s.logger.Error("ensure failed", "policy", key, "error", err)
			errs = append(errs, fmt.Errorf("policy %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// EnsurePolicyDestroyed deletes every room bound under a policy, then
// removes the bindings. The sweep visits every room even when some
// fail; failures are reported as a *SweepError. The policy document
// itself stays in the store.
func (s *Secretary) EnsurePolicyDestroyed(ctx context.Context, policyKey string) error {
	bindings, err := s.store.Bindings(ctx, policyKey)
	if err != nil {
		return err
	}

	failures := make(map[string]error)
	roomKeys := make([]string, 0, len(bindings))
	for roomKey := range bindings {
		roomKeys = append(roomKeys, roomKey)
	}
	sort.Strings(roomKeys)

	for _, roomKey := range roomKeys {
		roomID := bindings[roomKey]
		if err := s.deleteRoom(ctx, roomID); err != nil {
			failures[roomID.String()] = err
		}
	}

	if err := s.ForgetPolicy(ctx, policyKey); err != nil {
		return err
	}

	if len(failures) > 0 {
		return &SweepError{Failures: failures}
	}
	s.logger.Info("policy destroyed", "policy", policyKey, "rooms", len(roomKeys))
	return nil
}

// ForgetPolicy removes all room bindings for a policy without touching
// the rooms or the policy document. The rooms live on unmanaged.
func (s *Secretary) ForgetPolicy(ctx context.Context, policyKey string) error {
	return s.store.RemoveBindings(ctx, policyKey)
}

// deleteRoom tears a room down: remove its aliases from the server
// directory, kick every other member, leave, and forget.
func (s *Secretary) deleteRoom(ctx context.Context, roomID ref.RoomID) error {
	aliases, err := s.directory.RoomAliases(ctx, roomID)
	if err != nil {
		return fmt.Errorf("listing aliases of %s: %w", roomID, err)
	}
	for _, alias := range aliases {
		if err := s.directory.DeleteRoomAlias(ctx, alias); err != nil {
			return fmt.Errorf("deleting alias %s: %w", alias, err)
		}
	}

	members, err := s.directory.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("listing members of %s: %w", roomID, err)
	}
	memberIDs := make([]ref.UserID, 0, len(members))
	for userID := range members {
		memberIDs = append(memberIDs, userID)
	}
	sort.Slice(memberIDs, func(i, j int) bool {
		return memberIDs[i].String() < memberIDs[j].String()
	})
	for _, userID := range memberIDs {
		if userID == s.directory.UserID() {
			continue
		}
		if err := s.directory.KickUser(ctx, roomID, userID, kickReason); err != nil {
			return fmt.Errorf("kicking %s from %s: %w", userID, roomID, err)
		}
	}

	if err := s.directory.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("leaving %s: %w", roomID, err)
	}
	if err := s.directory.ForgetRoom(ctx, roomID); err != nil {
		return fmt.Errorf("forgetting %s: %w", roomID, err)
	}
	s.logger.Info("room deleted", "room_id", roomID)
	return nil
}

// DeleteAllRooms sweeps the rooms the bot is joined to. With
// onlyAbandoned, a room is deleted only when the bot is the sole
// (non-bot, when ignoreBots is set) member AND no policy has a binding
// to it — rooms under management are never garbage-collected. The
// notice room is always skipped. Per-room failures are collected; the
// sweep never aborts early.
func (s *Secretary) DeleteAllRooms(ctx context.Context, onlyAbandoned, ignoreBots bool) (int, error) {
	joined, err := s.directory.JoinedRooms(ctx)
	if err != nil {
		return 0, err
	}

	noticeRoom := s.NoticeRoom()
	failures := make(map[string]error)
	deleted := 0

	for _, roomID := range joined {
		if roomID == noticeRoom {
			continue
		}
		if onlyAbandoned {
			abandoned, err := s.isAbandoned(ctx, roomID, ignoreBots)
			if err != nil {
				failures[roomID.String()] = err
				continue
			}
			if !abandoned {
				continue
			}
		}
		if err := s.deleteRoom(ctx, roomID); err != nil {
			failures[roomID.String()] = err
			continue
		}
		deleted++
	}

	if len(failures) > 0 {
		return deleted, &SweepError{Failures: failures}
	}
	return deleted, nil
}

// isAbandoned reports whether a room qualifies for the abandoned-room
// sweep: the bot is effectively alone in it and no binding claims it.
func (s *Secretary) isAbandoned(ctx context.Context, roomID ref.RoomID, ignoreBots bool) (bool, error) {
	bound, err := s.store.BindingExistsForRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	if bound {
		return false, nil
	}

	members, err := s.directory.JoinedMembers(ctx, roomID)
	if err != nil {
		return false, err
	}
	self := s.directory.UserID()
	for userID := range members {
		if userID == self {
			continue
		}
		if ignoreBots && strings.HasPrefix(userID.Localpart(), s.botPrefix) {
			continue
		}
		return false, nil
	}
	_, selfJoined := members[self]
	return selfJoined, nil
}

// SetNoticeRoom sets the session-scoped maintenance room and returns a
// human-readable confirmation.
func (s *Secretary) SetNoticeRoom(roomID ref.RoomID) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.noticeRoom == roomID {
		return fmt.Sprintf("This room is already set as maintenance room for this session (%s).", roomID)
	}
	previous := s.noticeRoom
	s.noticeRoom = roomID
	reply := fmt.Sprintf("This room is now set as maintenance room for this session (%s)", roomID)
	if !previous.IsZero() {
		reply += fmt.Sprintf(" ... was %s before.", previous)
	}
	return reply
}

// NoticeRoom returns the current maintenance room, zero when unset.
func (s *Secretary) NoticeRoom() ref.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noticeRoom
}

// LoadExamples installs the built-in example policies into the store.
// Returns the keys of the installed policies.
func (s *Secretary) LoadExamples(ctx context.Context) ([]string, error) {
	examples, err := policy.Examples()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(examples))
	for _, document := range examples {
		if err := s.store.UpsertPolicy(ctx, document); err != nil {
			return nil, err
		}
		keys = append(keys, document.PolicyKey)
	}
	return keys, nil
}
