// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

// matrix-secretary is a Matrix bot that provisions and reconciles
// rooms and spaces from stored policy documents. It connects to the
// homeserver with a long-lived access token, listens for commands in
// any room it has been invited to, and drives room state toward the
// policies in its SQLite store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shukon/matrix-secretary/bot"
	"github.com/shukon/matrix-secretary/lib/config"
	"github.com/shukon/matrix-secretary/lib/process"
	"github.com/shukon/matrix-secretary/lib/ref"
	"github.com/shukon/matrix-secretary/lib/secret"
	"github.com/shukon/matrix-secretary/lib/version"
	"github.com/shukon/matrix-secretary/messaging"
	"github.com/shukon/matrix-secretary/secretary"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	// Handle --version before flag parsing so it works even when
	// required flags are absent.
	for _, arg := range os.Args[1:] {
		if arg == "--version" {
			version.Print("matrix-secretary")
			return nil
		}
	}

	var configPath string
	var tokenPath string

	flagSet := pflag.NewFlagSet("matrix-secretary", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to secretary.yaml (default: $SECRETARY_CONFIG)")
	flagSet.StringVar(&tokenPath, "token-file", "", "file holding the bot's access token, or - for stdin")
	flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	if tokenPath == "" {
		return fmt.Errorf("--token-file is required")
	}
	token, err := secret.ReadFromPath(tokenPath)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	defer token.Close()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	botUserID, err := ref.ParseUserID(cfg.Bot.UserID)
	if err != nil {
		return fmt.Errorf("bot.user_id: %w", err)
	}
	serverName, err := ref.ParseServerName(cfg.Homeserver.ServerName)
	if err != nil {
		return fmt.Errorf("homeserver.server_name: %w", err)
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	session, err := client.SessionFromToken(botUserID, token.String())
	if err != nil {
		return err
	}
	defer session.Close()

	store, err := secretary.OpenStore(secretary.StoreConfig{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	sec, err := secretary.New(secretary.Config{
		Store:      store,
		Directory:  session,
		ServerName: serverName,
		BotPrefix:  cfg.Bot.BotPrefix,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if cfg.Bot.NoticeRoom != "" {
		noticeRoomID, err := resolveRoom(ctx, session, cfg.Bot.NoticeRoom)
		if err != nil {
			return fmt.Errorf("bot.notice_room: %w", err)
		}
		sec.SetNoticeRoom(noticeRoomID)
	}

	commandBot, err := bot.New(bot.Config{
		Directory: session,
		Secretary: sec,
		Prefix:    cfg.Bot.CommandPrefix,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.Info("secretary running",
		"user", botUserID.String(),
		"homeserver", cfg.Homeserver.URL,
		"store", cfg.Store.Path,
	)

	if err := commandBot.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// resolveRoom accepts either a room ID or a room alias and returns the
// room ID, resolving aliases through the homeserver directory.
func resolveRoom(ctx context.Context, session *messaging.DirectSession, raw string) (ref.RoomID, error) {
	if len(raw) > 0 && raw[0] == '#' {
		alias, err := ref.ParseRoomAlias(raw)
		if err != nil {
			return ref.RoomID{}, err
		}
		return session.ResolveAlias(ctx, alias)
	}
	return ref.ParseRoomID(raw)
}
