// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package secretary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shukon/matrix-secretary/lib/ref"
	"github.com/shukon/matrix-secretary/messaging"
	"github.com/shukon/matrix-secretary/policy"
)

const testServer = "example.org"

// fakeDirectory is an in-memory Directory implementation. It tracks
// every successful mutation in writes so tests can assert that a
// converged reconciliation run performs zero writes.
type fakeDirectory struct {
	userID ref.UserID

	mu        sync.Mutex
	rooms     map[ref.RoomID]*fakeRoom
	aliases   map[ref.RoomAlias]ref.RoomID
	nextRoom  int
	nextEvent int
	writes    int

	failLeave      map[ref.RoomID]bool
	failStateEvent map[ref.EventType]bool
}

type fakeRoom struct {
	state       map[ref.EventType]map[string]json.RawMessage
	visibility  string
	unreachable bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		userID:    ref.MustParseUserID("@bot.secretary:" + testServer),
		rooms:     make(map[ref.RoomID]*fakeRoom),
		aliases:   make(map[ref.RoomAlias]ref.RoomID),
		failLeave:      make(map[ref.RoomID]bool),
		failStateEvent: make(map[ref.EventType]bool),
	}
}

var _ messaging.Directory = (*fakeDirectory)(nil)

func matrixError(code string, status int) *messaging.MatrixError {
	return &messaging.MatrixError{Code: code, Message: code, StatusCode: status}
}

func (f *fakeDirectory) room(roomID ref.RoomID) (*fakeRoom, error) {
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, matrixError(messaging.ErrCodeNotFound, 404)
	}
	if room.unreachable {
		return nil, matrixError(messaging.ErrCodeForbidden, 403)
	}
	return room, nil
}

func (f *fakeDirectory) setState(room *fakeRoom, eventType ref.EventType, stateKey string, content any) {
	data, _ := json.Marshal(content)
	if room.state[eventType] == nil {
		room.state[eventType] = make(map[string]json.RawMessage)
	}
	room.state[eventType][stateKey] = data
}

func (f *fakeDirectory) eventID() ref.EventID {
	f.nextEvent++
	return ref.MustParseEventID(fmt.Sprintf("$fake-%d", f.nextEvent))
}

func (f *fakeDirectory) membership(room *fakeRoom, userID ref.UserID) string {
	raw, ok := room.state[ref.EventType("m.room.member")][userID.String()]
	if !ok {
		return ""
	}
	var content struct {
		Membership string `json:"membership"`
	}
	json.Unmarshal(raw, &content)
	return content.Membership
}

func (f *fakeDirectory) UserID() ref.UserID { return f.userID }
func (f *fakeDirectory) Close() error       { return nil }

func (f *fakeDirectory) WhoAmI(ctx context.Context) (ref.UserID, error) {
	return f.userID, nil
}

func (f *fakeDirectory) CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRoom++
	f.writes++
	roomID := ref.MustParseRoomID(fmt.Sprintf("!room-%d:%s", f.nextRoom, testServer))

	room := &fakeRoom{
		state:      make(map[ref.EventType]map[string]json.RawMessage),
		visibility: "private",
	}
	if request.Visibility != "" {
		room.visibility = request.Visibility
	}
	if request.Name != "" {
		f.setState(room, "m.room.name", "", map[string]string{"name": request.Name})
	}
	if request.Topic != "" {
		f.setState(room, "m.room.topic", "", map[string]string{"topic": request.Topic})
	}
	if len(request.CreationContent) > 0 {
		f.setState(room, "m.room.create", "", request.CreationContent)
	}
	f.setState(room, "m.room.member", f.userID.String(), map[string]string{"membership": "join"})
	for _, invitee := range request.Invite {
		f.setState(room, "m.room.member", invitee.String(), map[string]string{"membership": "invite"})
	}
	f.rooms[roomID] = room

	if request.Alias != "" {
		alias := ref.NewRoomAlias(request.Alias, ref.MustParseServerName(testServer))
		if _, taken := f.aliases[alias]; taken {
			return ref.RoomID{}, matrixError(messaging.ErrCodeRoomInUse, 400)
		}
		f.aliases[alias] = roomID
	}
	return roomID, nil
}

func (f *fakeDirectory) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return nil, err
	}
	content, ok := room.state[eventType][stateKey]
	if !ok {
		return nil, matrixError(messaging.ErrCodeNotFound, 404)
	}
	return content, nil
}

func (f *fakeDirectory) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return ref.EventID{}, err
	}
	if f.failStateEvent[eventType] {
		return ref.EventID{}, matrixError(messaging.ErrCodeForbidden, 403)
	}
	f.writes++
	f.setState(room, eventType, stateKey, content)
	return f.eventID(), nil
}

func (f *fakeDirectory) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]messaging.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return nil, err
	}
	var events []messaging.Event
	for eventType, byKey := range room.state {
		for stateKey, raw := range byKey {
			var content map[string]any
			json.Unmarshal(raw, &content)
			key := stateKey
			events = append(events, messaging.Event{
				Type:     eventType,
				StateKey: &key,
				Content:  content,
				RoomID:   roomID,
			})
		}
	}
	return events, nil
}

func (f *fakeDirectory) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID, ok := f.aliases[alias]
	if !ok {
		return ref.RoomID{}, matrixError(messaging.ErrCodeNotFound, 404)
	}
	return roomID, nil
}

func (f *fakeDirectory) RoomAliases(ctx context.Context, roomID ref.RoomID) ([]ref.RoomAlias, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.room(roomID); err != nil {
		return nil, err
	}
	var aliases []ref.RoomAlias
	for alias, target := range f.aliases {
		if target == roomID {
			aliases = append(aliases, alias)
		}
	}
	return aliases, nil
}

func (f *fakeDirectory) CreateRoomAlias(ctx context.Context, alias ref.RoomAlias, roomID ref.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.aliases[alias]; taken {
		return matrixError(messaging.ErrCodeRoomInUse, 400)
	}
	f.writes++
	f.aliases[alias] = roomID
	return nil
}

func (f *fakeDirectory) DeleteRoomAlias(ctx context.Context, alias ref.RoomAlias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.aliases[alias]; !ok {
		return matrixError(messaging.ErrCodeNotFound, 404)
	}
	f.writes++
	delete(f.aliases, alias)
	return nil
}

func (f *fakeDirectory) JoinedMembers(ctx context.Context, roomID ref.RoomID) (map[ref.UserID]messaging.JoinedMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return nil, err
	}
	joined := make(map[ref.UserID]messaging.JoinedMember)
	for rawUser := range room.state[ref.EventType("m.room.member")] {
		userID := ref.MustParseUserID(rawUser)
		if f.membership(room, userID) == "join" {
			joined[userID] = messaging.JoinedMember{}
		}
	}
	return joined, nil
}

func (f *fakeDirectory) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return err
	}
	if membership := f.membership(room, userID); membership == "invite" || membership == "join" {
		return matrixError(messaging.ErrCodeForbidden, 403)
	}
	f.writes++
	f.setState(room, "m.room.member", userID.String(), map[string]string{"membership": "invite"})
	return nil
}

func (f *fakeDirectory) KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return err
	}
	f.writes++
	f.setState(room, "m.room.member", userID.String(), map[string]string{"membership": "leave"})
	return nil
}

func (f *fakeDirectory) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return err
	}
	if f.failLeave[roomID] {
		return matrixError(messaging.ErrCodeUnknown, 500)
	}
	f.writes++
	f.setState(room, "m.room.member", f.userID.String(), map[string]string{"membership": "leave"})
	return nil
}

func (f *fakeDirectory) ForgetRoom(ctx context.Context, roomID ref.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[roomID]; !ok {
		return matrixError(messaging.ErrCodeNotFound, 404)
	}
	f.writes++
	delete(f.rooms, roomID)
	return nil
}

func (f *fakeDirectory) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var joined []ref.RoomID
	for roomID, room := range f.rooms {
		if f.membership(room, f.userID) == "join" {
			joined = append(joined, roomID)
		}
	}
	return joined, nil
}

func (f *fakeDirectory) RoomVisibility(ctx context.Context, roomID ref.RoomID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return "", err
	}
	return room.visibility, nil
}

func (f *fakeDirectory) SetRoomVisibility(ctx context.Context, roomID ref.RoomID, visibility string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return err
	}
	f.writes++
	room.visibility = visibility
	return nil
}

func (f *fakeDirectory) SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.room(roomID); err != nil {
		return ref.EventID{}, err
	}
	return f.eventID(), nil
}

func (f *fakeDirectory) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	return &messaging.SyncResponse{NextBatch: "s1"}, nil
}

func (f *fakeDirectory) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeDirectory) roomCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

func (f *fakeDirectory) markUnreachable(roomID ref.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[roomID].unreachable = true
}

func newTestSecretary(t *testing.T) (*Secretary, *fakeDirectory) {
	t.Helper()
	directory := newFakeDirectory()
	secretary, err := New(Config{
		Store:      newTestStore(t),
		Directory:  directory,
		ServerName: ref.MustParseServerName(testServer),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return secretary, directory
}

func strptr(s string) *string { return &s }

func spacePolicy() *policy.Policy {
	return &policy.Policy{
		PolicyKey: "team",
		DefaultRoomSettings: map[string]any{
			"visibility":         "private",
			"guest_access":       "forbidden",
			"history_visibility": "invited",
			"join_rule":          "public",
		},
		UserGroups: map[string]policy.UserGroup{
			"staff": {Users: []ref.UserID{ref.MustParseUserID("@alice:" + testServer)}},
		},
		Rooms: map[string]policy.RoomSpec{
			"hub": {
				RoomName: "Team Hub",
				IsSpace:  true,
				Invitees: map[string]int{"staff": 100},
			},
			"lobby": {
				RoomName:     "Lobby",
				Alias:        "Büro Raum",
				Topic:        strptr("Say hello."),
				ParentSpaces: []policy.RoomReference{policy.ParseRoomReference("hub")},
				Suggested:    true,
				Invitees:     map[string]int{"staff": 50},
			},
		},
	}
}

func TestEnsurePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("creates rooms and converges", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		if err := secretary.Store().UpsertPolicy(ctx, spacePolicy()); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}

		if directory.roomCount() != 2 {
			t.Fatalf("got %d rooms, want 2", directory.roomCount())
		}
		bindings, err := secretary.Store().Bindings(ctx, "team")
		if err != nil {
			t.Fatalf("Bindings: %v", err)
		}
		if len(bindings) != 2 {
			t.Fatalf("got %d bindings, want 2", len(bindings))
		}

		// The lobby's sanitized alias resolves to its room.
		alias := ref.NewRoomAlias("buero_raum", ref.MustParseServerName(testServer))
		resolved, err := directory.ResolveAlias(ctx, alias)
		if err != nil {
			t.Fatalf("ResolveAlias: %v", err)
		}
		if resolved != bindings["lobby"] {
			t.Errorf("alias resolves to %s, want %s", resolved, bindings["lobby"])
		}

		// The space edge exists on the hub, pointing at the lobby.
		raw, err := directory.GetStateEvent(ctx, bindings["hub"], "m.space.child", bindings["lobby"].String())
		if err != nil {
			t.Fatalf("space child edge missing: %v", err)
		}
		var child struct {
			Suggested bool `json:"suggested"`
		}
		json.Unmarshal(raw, &child)
		if !child.Suggested {
			t.Error("space child edge not marked suggested")
		}
		if _, err := directory.GetStateEvent(ctx, bindings["lobby"], "m.space.parent", bindings["hub"].String()); err != nil {
			t.Fatalf("space parent edge missing: %v", err)
		}
	})

	t.Run("second run performs zero writes", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		if err := secretary.Store().UpsertPolicy(ctx, spacePolicy()); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("first EnsurePolicy: %v", err)
		}
		before := directory.writeCount()
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("second EnsurePolicy: %v", err)
		}
		if after := directory.writeCount(); after != before {
			t.Errorf("second run performed %d writes", after-before)
		}
	})

	t.Run("matching topic is not rewritten", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		if err := secretary.Store().UpsertPolicy(ctx, spacePolicy()); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}
		bindings, _ := secretary.Store().Bindings(ctx, "team")

		// Drift the name but not the topic: only the name is rewritten.
		room := bindings["lobby"]
		directory.mu.Lock()
		directory.setState(directory.rooms[room], "m.room.name", "", map[string]string{"name": "Drifted"})
		directory.mu.Unlock()

		before := directory.writeCount()
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}
		if writes := directory.writeCount() - before; writes != 1 {
			t.Errorf("got %d writes, want exactly 1 (the name)", writes)
		}
		raw, err := directory.GetStateEvent(ctx, room, "m.room.name", "")
		if err != nil {
			t.Fatalf("GetStateEvent: %v", err)
		}
		var name struct {
			Name string `json:"name"`
		}
		json.Unmarshal(raw, &name)
		if name.Name != "Lobby" {
			t.Errorf("name = %q, want Lobby", name.Name)
		}
	})

	t.Run("stale binding is healed", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		if err := secretary.Store().UpsertPolicy(ctx, spacePolicy()); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}
		bindings, _ := secretary.Store().Bindings(ctx, "team")
		stale := bindings["lobby"]
		directory.markUnreachable(stale)

		roomsBefore := directory.roomCount()
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy after staleness: %v", err)
		}
		if directory.roomCount() != roomsBefore+1 {
			t.Errorf("got %d rooms, want exactly one new room", directory.roomCount())
		}
		healed, err := secretary.Store().Binding(ctx, "team", "lobby")
		if err != nil {
			t.Fatalf("Binding: %v", err)
		}
		if healed == stale {
			t.Error("binding still points at the unreachable room")
		}

		// The directory alias followed the room: the dead room's
		// entry was released, not left to block recreation.
		alias := ref.NewRoomAlias("buero_raum", ref.MustParseServerName(testServer))
		resolved, err := directory.ResolveAlias(ctx, alias)
		if err != nil {
			t.Fatalf("ResolveAlias after healing: %v", err)
		}
		if resolved != healed {
			t.Errorf("alias resolves to %s, want healed room %s", resolved, healed)
		}
	})

	t.Run("silent parents gate restricted joins", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		document := &policy.Policy{
			PolicyKey: "archive",
			Rooms: map[string]policy.RoomSpec{
				"attic": {
					RoomName:           "Attic",
					JoinRule:           strptr("restricted"),
					ParentSpacesSilent: []policy.RoomReference{policy.ParseRoomReference("vault")},
				},
				"vault": {
					RoomName: "Vault",
					IsSpace:  true,
				},
			},
		}
		if err := secretary.Store().UpsertPolicy(ctx, document); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "archive"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}
		bindings, _ := secretary.Store().Bindings(ctx, "archive")

		raw, err := directory.GetStateEvent(ctx, bindings["attic"], "m.room.join_rules", "")
		if err != nil {
			t.Fatalf("join rules missing: %v", err)
		}
		var rules struct {
			JoinRule string `json:"join_rule"`
			Allow    []struct {
				Type   string `json:"type"`
				RoomID string `json:"room_id"`
			} `json:"allow"`
		}
		json.Unmarshal(raw, &rules)
		if rules.JoinRule != "restricted" {
			t.Fatalf("join_rule = %q, want restricted", rules.JoinRule)
		}
		if len(rules.Allow) != 1 || rules.Allow[0].RoomID != bindings["vault"].String() {
			t.Errorf("allow = %+v, want the vault space", rules.Allow)
		}

		// A silent parent still gets the full edge pair, with the
		// child link never marked suggested.
		raw, err = directory.GetStateEvent(ctx, bindings["vault"], "m.space.child", bindings["attic"].String())
		if err != nil {
			t.Fatalf("space child edge missing: %v", err)
		}
		var child struct {
			Suggested bool `json:"suggested"`
		}
		json.Unmarshal(raw, &child)
		if child.Suggested {
			t.Error("silent parent's child edge marked suggested")
		}
		if _, err := directory.GetStateEvent(ctx, bindings["attic"], "m.space.parent", bindings["vault"].String()); err != nil {
			t.Fatalf("space parent edge missing: %v", err)
		}

		before := directory.writeCount()
		if err := secretary.EnsurePolicy(ctx, "archive"); err != nil {
			t.Fatalf("second EnsurePolicy: %v", err)
		}
		if after := directory.writeCount(); after != before {
			t.Errorf("second run performed %d writes", after-before)
		}
	})

	t.Run("avatar failure does not abort reconciliation", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		document := spacePolicy()
		lobby := document.Rooms["lobby"]
		lobby.RoomAvatar = strptr("mxc://example.org/lobby")
		document.Rooms["lobby"] = lobby
		if err := secretary.Store().UpsertPolicy(ctx, document); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		directory.failStateEvent[ref.EventType("m.room.avatar")] = true

		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}

		// Fatal attributes still converged around the failure.
		bindings, _ := secretary.Store().Bindings(ctx, "team")
		raw, err := directory.GetStateEvent(ctx, bindings["lobby"], "m.room.topic", "")
		if err != nil {
			t.Fatalf("topic missing: %v", err)
		}
		var topic struct {
			Topic string `json:"topic"`
		}
		json.Unmarshal(raw, &topic)
		if topic.Topic != "Say hello." {
			t.Errorf("topic = %q, want Say hello.", topic.Topic)
		}
		if _, err := directory.GetStateEvent(ctx, bindings["lobby"], "m.room.avatar", ""); !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			t.Errorf("avatar state err = %v, want M_NOT_FOUND", err)
		}
	})

	t.Run("missing policy", func(t *testing.T) {
		secretary, _ := newTestSecretary(t)
		if err := secretary.EnsurePolicy(ctx, "ghost"); !errors.Is(err, ErrPolicyNotFound) {
			t.Fatalf("err = %v, want ErrPolicyNotFound", err)
		}
	})

	t.Run("illegal join rule writes nothing", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		document := spacePolicy()
		spec := document.Rooms["lobby"]
		spec.JoinRule = strptr("nonsense")
		document.Rooms["lobby"] = spec
		if err := secretary.Store().UpsertPolicy(ctx, document); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}

		err := secretary.EnsurePolicy(ctx, "team")
		var configErr *ConfigurationError
		if !errors.As(err, &configErr) {
			t.Fatalf("err = %v, want *ConfigurationError", err)
		}
		if directory.writeCount() != 0 {
			t.Errorf("misconfigured policy performed %d writes", directory.writeCount())
		}
	})

	t.Run("encryption fails loudly", func(t *testing.T) {
		secretary, _ := newTestSecretary(t)
		document := spacePolicy()
		encrypted := true
		spec := document.Rooms["lobby"]
		spec.Encryption = &encrypted
		document.Rooms["lobby"] = spec
		if err := secretary.Store().UpsertPolicy(ctx, document); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "team"); !errors.Is(err, ErrNotImplemented) {
			t.Fatalf("err = %v, want ErrNotImplemented", err)
		}
	})
}

func TestTwoPassConvergence(t *testing.T) {
	// A room whose parent space sorts after it in iteration order: the
	// existence pass must bind both rooms before the configuration
	// pass resolves the reference.
	ctx := context.Background()
	secretary, directory := newTestSecretary(t)

	document := &policy.Policy{
		PolicyKey: "order",
		Rooms: map[string]policy.RoomSpec{
			"a_room": {
				RoomName:     "A Room",
				ParentSpaces: []policy.RoomReference{policy.ParseRoomReference("z_space")},
				Invitees:     map[string]int{"@alice:" + testServer: 100},
			},
			"z_space": {
				RoomName: "Z Space",
				IsSpace:  true,
				Invitees: map[string]int{"@alice:" + testServer: 100},
			},
		},
	}
	if err := secretary.Store().UpsertPolicy(ctx, document); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	if err := secretary.EnsurePolicy(ctx, "order"); err != nil {
		t.Fatalf("EnsurePolicy: %v", err)
	}

	bindings, _ := secretary.Store().Bindings(ctx, "order")
	if _, err := directory.GetStateEvent(ctx, bindings["z_space"], "m.space.child", bindings["a_room"].String()); err != nil {
		t.Fatalf("space child edge missing: %v", err)
	}
}

func TestEnsurePolicyDestroyed(t *testing.T) {
	ctx := context.Background()

	t.Run("removes rooms and bindings", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		if err := secretary.Store().UpsertPolicy(ctx, spacePolicy()); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}
		if err := secretary.EnsurePolicyDestroyed(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicyDestroyed: %v", err)
		}
		if directory.roomCount() != 0 {
			t.Errorf("%d rooms survived destruction", directory.roomCount())
		}
		bindings, _ := secretary.Store().Bindings(ctx, "team")
		if len(bindings) != 0 {
			t.Errorf("%d bindings survived destruction", len(bindings))
		}
		// The alias is gone from the directory too.
		alias := ref.NewRoomAlias("buero_raum", ref.MustParseServerName(testServer))
		if _, err := directory.ResolveAlias(ctx, alias); err == nil {
			t.Error("alias survived destruction")
		}
	})

	t.Run("sweep completes despite a failing room", func(t *testing.T) {
		secretary, directory := newTestSecretary(t)
		if err := secretary.Store().UpsertPolicy(ctx, spacePolicy()); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}
		bindings, _ := secretary.Store().Bindings(ctx, "team")
		directory.failLeave[bindings["hub"]] = true

		err := secretary.EnsurePolicyDestroyed(ctx, "team")
		var sweepErr *SweepError
		if !errors.As(err, &sweepErr) {
			t.Fatalf("err = %v, want *SweepError", err)
		}
		if len(sweepErr.Failures) != 1 {
			t.Errorf("got %d failures, want 1", len(sweepErr.Failures))
		}
		// The healthy room was still deleted and all bindings are gone.
		if _, err := directory.GetRoomState(ctx, bindings["lobby"]); err == nil {
			t.Error("healthy room survived the sweep")
		}
		remaining, _ := secretary.Store().Bindings(ctx, "team")
		if len(remaining) != 0 {
			t.Errorf("%d bindings survived a failing sweep", len(remaining))
		}
	})
}

func TestDeleteAllRooms(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Secretary, *fakeDirectory, map[string]ref.RoomID) {
		secretary, directory := newTestSecretary(t)
		if err := secretary.Store().UpsertPolicy(ctx, spacePolicy()); err != nil {
			t.Fatalf("UpsertPolicy: %v", err)
		}
		if err := secretary.EnsurePolicy(ctx, "team"); err != nil {
			t.Fatalf("EnsurePolicy: %v", err)
		}
		bindings, _ := secretary.Store().Bindings(ctx, "team")
		return secretary, directory, bindings
	}

	t.Run("abandoned sweep protects bound rooms", func(t *testing.T) {
		secretary, directory, bindings := setup(t)

		// An unmanaged room the bot is alone in.
		abandoned, err := directory.CreateRoom(ctx, messaging.CreateRoomRequest{Name: "Left Behind"})
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}

		deleted, err := secretary.DeleteAllRooms(ctx, true, false)
		if err != nil {
			t.Fatalf("DeleteAllRooms: %v", err)
		}
		if deleted != 1 {
			t.Errorf("deleted %d rooms, want 1", deleted)
		}
		if _, err := directory.GetRoomState(ctx, abandoned); err == nil {
			t.Error("abandoned room survived")
		}
		for roomKey, roomID := range bindings {
			if _, err := directory.GetRoomState(ctx, roomID); err != nil {
				t.Errorf("bound room %q was deleted: %v", roomKey, err)
			}
		}
	})

	t.Run("bot members are ignored when asked", func(t *testing.T) {
		secretary, directory, _ := setup(t)

		botRoom, err := directory.CreateRoom(ctx, messaging.CreateRoomRequest{Name: "Bot Den"})
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
		helper := ref.MustParseUserID("@bot.helper:" + testServer)
		directory.mu.Lock()
		directory.setState(directory.rooms[botRoom], "m.room.member", helper.String(), map[string]string{"membership": "join"})
		directory.mu.Unlock()

		deleted, err := secretary.DeleteAllRooms(ctx, true, false)
		if err != nil {
			t.Fatalf("DeleteAllRooms: %v", err)
		}
		if deleted != 0 {
			t.Errorf("deleted %d rooms without ignoreBots, want 0", deleted)
		}

		deleted, err = secretary.DeleteAllRooms(ctx, true, true)
		if err != nil {
			t.Fatalf("DeleteAllRooms: %v", err)
		}
		if deleted != 1 {
			t.Errorf("deleted %d rooms with ignoreBots, want 1", deleted)
		}
	})

	t.Run("notice room is always skipped", func(t *testing.T) {
		secretary, directory, _ := setup(t)

		notice, err := directory.CreateRoom(ctx, messaging.CreateRoomRequest{Name: "Maintenance"})
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
		secretary.SetNoticeRoom(notice)

		if _, err := secretary.DeleteAllRooms(ctx, false, false); err != nil {
			t.Fatalf("DeleteAllRooms: %v", err)
		}
		if _, err := directory.GetRoomState(ctx, notice); err != nil {
			t.Errorf("notice room was deleted: %v", err)
		}
	})
}

func TestSetNoticeRoom(t *testing.T) {
	secretary, _ := newTestSecretary(t)
	first := ref.MustParseRoomID("!one:" + testServer)
	second := ref.MustParseRoomID("!two:" + testServer)

	reply := secretary.SetNoticeRoom(first)
	if reply == "" || secretary.NoticeRoom() != first {
		t.Fatalf("notice room = %s, want %s", secretary.NoticeRoom(), first)
	}
	if again := secretary.SetNoticeRoom(first); again == reply {
		t.Error("re-setting the same room should say it is already set")
	}
	moved := secretary.SetNoticeRoom(second)
	if secretary.NoticeRoom() != second {
		t.Fatalf("notice room = %s, want %s", secretary.NoticeRoom(), second)
	}
	if moved == reply {
		t.Error("moving the notice room should mention the previous one")
	}
}

func TestLoadExamples(t *testing.T) {
	ctx := context.Background()
	secretary, _ := newTestSecretary(t)

	keys, err := secretary.LoadExamples(ctx)
	if err != nil {
		t.Fatalf("LoadExamples: %v", err)
	}
	if len(keys) == 0 {
		t.Fatal("no example policies installed")
	}
	stored, err := secretary.Store().PolicyKeys(ctx)
	if err != nil {
		t.Fatalf("PolicyKeys: %v", err)
	}
	if len(stored) != len(keys) {
		t.Errorf("stored %d policies, want %d", len(stored), len(keys))
	}
}

func TestEnsureAllPolicies(t *testing.T) {
	ctx := context.Background()
	secretary, directory := newTestSecretary(t)

	if err := secretary.Store().UpsertPolicy(ctx, spacePolicy()); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	broken := &policy.Policy{
		PolicyKey: "broken",
		Rooms: map[string]policy.RoomSpec{
			"bad": {RoomName: "Bad", JoinRule: strptr("nonsense")},
		},
	}
	if err := secretary.Store().UpsertPolicy(ctx, broken); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}

	// The broken policy fails, the healthy one is still ensured.
	err := secretary.EnsureAllPolicies(ctx)
	if err == nil {
		t.Fatal("expected aggregate error from broken policy")
	}
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) {
		t.Errorf("aggregate error does not wrap the configuration error: %v", err)
	}
	if directory.roomCount() != 2 {
		t.Errorf("healthy policy rooms = %d, want 2", directory.roomCount())
	}
}
