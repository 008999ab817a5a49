// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shukon/matrix-secretary/lib/ref"
	"github.com/shukon/matrix-secretary/messaging"
	"github.com/shukon/matrix-secretary/secretary"
)

// longPollTimeout is the server-side /sync hold time in milliseconds.
const longPollTimeout = 30000

// maxSyncBackoff caps the retry delay after consecutive /sync errors.
const maxSyncBackoff = 30 * time.Second

// Bot runs the command loop.
type Bot struct {
	directory  messaging.Directory
	secretary  *secretary.Secretary
	logger     *slog.Logger
	prefix     string
	httpClient *http.Client
}

// Config holds the dependencies for constructing a Bot.
type Config struct {
	// Directory is the Matrix session the bot listens and replies
	// through. Required.
	Directory messaging.Directory

	// Secretary executes the commands. Required.
	Secretary *secretary.Secretary

	// Prefix is the command prefix. Defaults to "!sec".
	Prefix string

	// HTTPClient downloads policy documents for the add command.
	// Defaults to a client with a 30-second timeout.
	HTTPClient *http.Client

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// New constructs a Bot.
func New(cfg Config) (*Bot, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("bot: Directory is required")
	}
	if cfg.Secretary == nil {
		return nil, fmt.Errorf("bot: Secretary is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("bot: Logger is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "!sec"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bot{
		directory:  cfg.Directory,
		secretary:  cfg.Secretary,
		logger:     cfg.Logger,
		prefix:     prefix,
		httpClient: httpClient,
	}, nil
}

// syncFilter restricts /sync to message timeline events. State,
// ephemeral, presence, and account data are all suppressed — the bot
// only reacts to commands.
var syncFilter = buildSyncFilter()

func buildSyncFilter() string {
	emptyTypes := []string{}
	filter := map[string]any{
		"room": map[string]any{
			"state":        map[string]any{"types": emptyTypes},
			"timeline":     map[string]any{"types": []string{"m.room.message"}, "limit": 50},
			"ephemeral":    map[string]any{"types": emptyTypes},
			"account_data": map[string]any{"types": emptyTypes},
		},
		"presence":     map[string]any{"types": emptyTypes},
		"account_data": map[string]any{"types": emptyTypes},
	}
	data, err := json.Marshal(filter)
	if err != nil {
		panic("building sync filter: " + err.Error())
	}
	return string(data)
}

// joiner is implemented by sessions that can accept room invites.
// *messaging.DirectSession implements it; command handling works
// without it.
type joiner interface {
	JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error)
}

// Run performs an initial sync (discarding history so old commands are
// never replayed), then long-polls until ctx is cancelled. Transient
// /sync failures retry with exponential backoff.
func (b *Bot) Run(ctx context.Context) error {
	response, err := b.directory.Sync(ctx, messaging.SyncOptions{Filter: syncFilter})
	if err != nil {
		return fmt.Errorf("bot: initial sync: %w", err)
	}
	since := response.NextBatch
	b.acceptInvites(ctx, response)
	b.logger.Info("command loop started",
		"user_id", b.directory.UserID(), "prefix", b.prefix, "joined_rooms", len(response.Rooms.Join))

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		response, err := b.directory.Sync(ctx, messaging.SyncOptions{
			Since:      since,
			Timeout:    longPollTimeout,
			SetTimeout: true,
			Filter:     syncFilter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxSyncBackoff)
			continue
		}
		backoff = time.Second
		since = response.NextBatch

		b.acceptInvites(ctx, response)
		b.handleSync(ctx, response)
	}
}

func (b *Bot) acceptInvites(ctx context.Context, response *messaging.SyncResponse) {
	if len(response.Rooms.Invite) == 0 {
		return
	}
	session, ok := b.directory.(joiner)
	if !ok {
		return
	}
	for roomID := range response.Rooms.Invite {
		b.logger.Info("accepting room invite", "room_id", roomID)
		if _, err := session.JoinRoom(ctx, roomID); err != nil {
			b.logger.Error("failed to accept room invite", "room_id", roomID, "error", err)
		}
	}
}

func (b *Bot) handleSync(ctx context.Context, response *messaging.SyncResponse) {
	self := b.directory.UserID()
	for roomID, room := range response.Rooms.Join {
		for _, event := range room.Timeline.Events {
			if event.Type != "m.room.message" || event.Sender == self {
				continue
			}
			body, _ := event.Content["body"].(string)
			if !strings.HasPrefix(body, b.prefix+" ") && body != b.prefix {
				continue
			}
			b.handleCommand(ctx, roomID, strings.TrimSpace(strings.TrimPrefix(body, b.prefix)))
		}
	}
}

// handleCommand dispatches one command line (prefix already stripped)
// and replies in the room it came from. The core returns typed errors;
// this is where they become text.
func (b *Bot) handleCommand(ctx context.Context, roomID ref.RoomID, line string) {
	fields := strings.Fields(line)
	command := "help"
	var args []string
	if len(fields) > 0 {
		command = fields[0]
		args = fields[1:]
	}
	b.logger.Info("command received", "room_id", roomID, "command", command)

	var reply string
	var err error
	switch command {
	case "help":
		reply = helpText(b.prefix)
	case "list":
		reply, err = b.listPolicies(ctx)
	case "show":
		reply, err = b.showPolicy(ctx, args)
	case "add":
		reply, err = b.addPolicy(ctx, args)
	case "ensure":
		reply, err = b.ensurePolicy(ctx, args)
	case "ensure-all":
		reply, err = b.ensureAll(ctx)
	case "rm":
		reply, err = b.removePolicy(ctx, args)
	case "clear":
		reply, err = b.clearRooms(ctx, true)
	case "clear-all":
		reply, err = b.clearRooms(ctx, false)
	case "set-maintenance-room":
		reply = b.secretary.SetNoticeRoom(roomID)
	case "load-examples":
		reply, err = b.loadExamples(ctx)
	default:
		reply = fmt.Sprintf("Unknown command %q.\n\n%s", command, helpText(b.prefix))
	}
	if err != nil {
		reply = b.describeError(ctx, err)
	}

	b.reply(ctx, roomID, reply)
}

func (b *Bot) reply(ctx context.Context, roomID ref.RoomID, text string) {
	if _, err := b.directory.SendMessage(ctx, roomID, messaging.NewNotice(text)); err != nil {
		b.logger.Error("failed to send reply", "room_id", roomID, "error", err)
	}
}

func helpText(prefix string) string {
	var builder strings.Builder
	builder.WriteString("I manage rooms and spaces from stored policies.\n\nCommands:\n")
	for _, entry := range [][2]string{
		{"help", "show this message"},
		{"list", "list stored policies"},
		{"show <policy>", "print a stored policy document"},
		{"add <url>", "download a policy JSON document and store it"},
		{"ensure <policy>", "reconcile one policy"},
		{"ensure-all", "reconcile every stored policy"},
		{"rm <policy> [--rooms]", "forget a policy (--rooms also deletes its rooms)"},
		{"clear", "delete abandoned rooms"},
		{"clear-all", "delete every room except the maintenance room"},
		{"set-maintenance-room", "mark this room as the maintenance room"},
		{"load-examples", "install the built-in example policies"},
	} {
		fmt.Fprintf(&builder, "  %s %-24s %s\n", prefix, entry[0], entry[1])
	}
	return builder.String()
}
