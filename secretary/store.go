// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package secretary

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shukon/matrix-secretary/lib/ref"
	"github.com/shukon/matrix-secretary/lib/sqlitepool"
	"github.com/shukon/matrix-secretary/policy"
)

// storeSchema is the persisted contract: policy documents as JSON
// blobs keyed by policy_key, and room bindings joining (policy_key,
// room_key) to the Matrix room created for that spec.
const storeSchema = `
	CREATE TABLE IF NOT EXISTS policies (
		policy_key  TEXT PRIMARY KEY,
		policy_json TEXT
	);
	CREATE TABLE IF NOT EXISTS rooms (
		policy_key     TEXT,
		room_key       TEXT,
		matrix_room_id TEXT,
		PRIMARY KEY (policy_key, room_key)
	);
`

// Store persists policy documents and room bindings in SQLite. All
// mutations are single statements: there are no cross-statement
// transactions, because the reconciliation pass itself is the recovery
// mechanism — a binding lost to a crash is simply recreated (or the
// room recreated) on the next run.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a policy store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenStore opens (creating if necessary) the policy store at the
// configured path.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("policy store: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("policy store: %w", err)
	}

	store := &Store{pool: pool, logger: cfg.Logger}
	if err := store.initSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("policy store: init schema: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, storeSchema, nil); err != nil {
		return fmt.Errorf("policy store: creating schema: %w", err)
	}
	return nil
}

// UpsertPolicy inserts or replaces a policy document. Replacing an
// existing document never touches the bindings created under it.
func (s *Store) UpsertPolicy(ctx context.Context, document *policy.Policy) error {
	data, err := document.Encode()
	if err != nil {
		return fmt.Errorf("policy store: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("policy store: upsert policy: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO policies (policy_key, policy_json) VALUES (?, ?)
		 ON CONFLICT (policy_key) DO UPDATE SET policy_json = excluded.policy_json`,
		&sqlitex.ExecOptions{Args: []any{document.PolicyKey, string(data)}},
	)
	if err != nil {
		return fmt.Errorf("policy store: upsert policy %q: %w", document.PolicyKey, err)
	}
	s.logger.Info("policy stored", "policy", document.PolicyKey)
	return nil
}

// Policy loads a stored policy document. Returns ErrPolicyNotFound
// when no document with the key exists.
func (s *Store) Policy(ctx context.Context, policyKey string) (*policy.Policy, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy store: get policy: %w", err)
	}
	defer s.pool.Put(conn)

	var raw string
	found := false
	err = sqlitex.Execute(conn,
		`SELECT policy_json FROM policies WHERE policy_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{policyKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw = stmt.ColumnText(0)
				found = true
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("policy store: get policy %q: %w", policyKey, err)
	}
	if !found {
		return nil, fmt.Errorf("policy %q: %w", policyKey, ErrPolicyNotFound)
	}

	document, err := policy.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("policy store: stored policy %q: %w", policyKey, err)
	}
	return document, nil
}

// PolicyKeys lists the keys of all stored policies in sorted order.
func (s *Store) PolicyKeys(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy store: list policies: %w", err)
	}
	defer s.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn,
		`SELECT policy_key FROM policies ORDER BY policy_key`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("policy store: list policies: %w", err)
	}
	return keys, nil
}

// AddBinding records that a policy room key is realized by a Matrix
// room. Re-binding an existing key replaces the room ID.
func (s *Store) AddBinding(ctx context.Context, policyKey, roomKey string, roomID ref.RoomID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("policy store: add binding: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO rooms (policy_key, room_key, matrix_room_id) VALUES (?, ?, ?)
		 ON CONFLICT (policy_key, room_key) DO UPDATE SET matrix_room_id = excluded.matrix_room_id`,
		&sqlitex.ExecOptions{Args: []any{policyKey, roomKey, roomID.String()}},
	)
	if err != nil {
		return fmt.Errorf("policy store: add binding %s:%s: %w", policyKey, roomKey, err)
	}
	s.logger.Info("room binding added", "policy", policyKey, "room_key", roomKey, "room_id", roomID)
	return nil
}

// Binding returns the Matrix room bound to a policy room key. Returns
// ErrBindingNotFound when the pair has no binding.
func (s *Store) Binding(ctx context.Context, policyKey, roomKey string) (ref.RoomID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("policy store: get binding: %w", err)
	}
	defer s.pool.Put(conn)

	var raw string
	err = sqlitex.Execute(conn,
		`SELECT matrix_room_id FROM rooms WHERE policy_key = ? AND room_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{policyKey, roomKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw = stmt.ColumnText(0)
				return nil
			},
		},
	)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("policy store: get binding %s:%s: %w", policyKey, roomKey, err)
	}
	if raw == "" {
		return ref.RoomID{}, fmt.Errorf("binding %s:%s: %w", policyKey, roomKey, ErrBindingNotFound)
	}

	roomID, err := ref.ParseRoomID(raw)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("policy store: binding %s:%s: %w", policyKey, roomKey, err)
	}
	return roomID, nil
}

// RemoveBinding deletes the binding for a (policy key, room key) pair.
// Removing a binding that does not exist is not an error.
func (s *Store) RemoveBinding(ctx context.Context, policyKey, roomKey string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("policy store: remove binding: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM rooms WHERE policy_key = ? AND room_key = ?`,
		&sqlitex.ExecOptions{Args: []any{policyKey, roomKey}},
	)
	if err != nil {
		return fmt.Errorf("policy store: remove binding %s:%s: %w", policyKey, roomKey, err)
	}
	s.logger.Debug("room binding removed", "policy", policyKey, "room_key", roomKey)
	return nil
}

// RemoveBindings deletes all bindings recorded under a policy.
func (s *Store) RemoveBindings(ctx context.Context, policyKey string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("policy store: remove bindings: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM rooms WHERE policy_key = ?`,
		&sqlitex.ExecOptions{Args: []any{policyKey}},
	)
	if err != nil {
		return fmt.Errorf("policy store: remove bindings for %q: %w", policyKey, err)
	}
	s.logger.Info("room bindings removed", "policy", policyKey)
	return nil
}

// Bindings returns all room bindings recorded under a policy, keyed by
// room key.
func (s *Store) Bindings(ctx context.Context, policyKey string) (map[string]ref.RoomID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy store: list bindings: %w", err)
	}
	defer s.pool.Put(conn)

	bindings := make(map[string]ref.RoomID)
	err = sqlitex.Execute(conn,
		`SELECT room_key, matrix_room_id FROM rooms WHERE policy_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{policyKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				roomID, err := ref.ParseRoomID(stmt.ColumnText(1))
				if err != nil {
					return fmt.Errorf("binding %s:%s: %w", policyKey, stmt.ColumnText(0), err)
				}
				bindings[stmt.ColumnText(0)] = roomID
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("policy store: list bindings for %q: %w", policyKey, err)
	}
	return bindings, nil
}

// BindingExistsForRoom reports whether any policy has a binding to the
// given Matrix room. The abandoned-room sweep uses this to protect
// managed rooms from deletion.
func (s *Store) BindingExistsForRoom(ctx context.Context, roomID ref.RoomID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("policy store: binding lookup: %w", err)
	}
	defer s.pool.Put(conn)

	exists := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM rooms WHERE matrix_room_id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		},
	)
	if err != nil {
		return false, fmt.Errorf("policy store: binding lookup for %s: %w", roomID, err)
	}
	return exists, nil
}
