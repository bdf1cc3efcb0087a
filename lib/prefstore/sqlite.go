// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package prefstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/allow2/engine/lib/sqlitepool"
)

// SQLite is a durable Store over a single-table SQLite database. It is
// intended for standalone embeddings whose host has no preference
// subsystem of its own.
//
// Values are stored as text: strings raw, bools as "0"/"1", integers
// in decimal, times in RFC 3339 with nanoseconds. Each Set is a single
// upsert statement, giving the atomic-per-key write the Store contract
// requires.
type SQLite struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	path   string
}

// OpenSQLite opens (creating if needed) the preference database at
// path. Use ":memory:" for tests. The caller must Close the store.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("prefstore: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, `
				CREATE TABLE IF NOT EXISTS preferences (
					key   TEXT PRIMARY KEY,
					kind  INTEGER NOT NULL,
					value TEXT NOT NULL
				)`, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("prefstore: opening %s: %w", path, err)
	}

	logger.Info("preference store opened", "path", path)
	return &SQLite{pool: pool, logger: logger, path: path}, nil
}

// Close closes the underlying connection pool.
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("prefstore: closing %s: %w", s.path, err)
	}
	return nil
}

// get returns the stored text and kind for key.
func (s *SQLite) get(key string, wantKind Kind) (string, bool) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		s.logger.Error("preference read failed", "key", key, "error", err)
		return "", false
	}
	defer s.pool.Put(conn)

	var value string
	var found bool
	err = sqlitex.Execute(conn, `SELECT kind, value FROM preferences WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if Kind(stmt.ColumnInt64(0)) != wantKind {
				return nil
			}
			value = stmt.ColumnText(1)
			found = true
			return nil
		},
	})
	if err != nil {
		s.logger.Error("preference read failed", "key", key, "error", err)
		return "", false
	}
	return value, found
}

func (s *SQLite) set(key string, kind Kind, value string) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("prefstore: set %s: %w", key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO preferences (key, kind, value) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET kind = excluded.kind, value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{key, int64(kind), value}})
	if err != nil {
		return fmt.Errorf("prefstore: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetString(key string) (string, bool) {
	return s.get(key, KindString)
}

func (s *SQLite) SetString(key, value string) error {
	return s.set(key, KindString, value)
}

func (s *SQLite) GetBool(key string) (bool, bool) {
	text, ok := s.get(key, KindBool)
	if !ok {
		return false, false
	}
	return text == "1", true
}

func (s *SQLite) SetBool(key string, value bool) error {
	text := "0"
	if value {
		text = "1"
	}
	return s.set(key, KindBool, text)
}

func (s *SQLite) GetInt64(key string) (int64, bool) {
	text, ok := s.get(key, KindInt)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		s.logger.Error("preference holds malformed integer", "key", key, "value", text)
		return 0, false
	}
	return value, true
}

func (s *SQLite) SetInt64(key string, value int64) error {
	return s.set(key, KindInt, strconv.FormatInt(value, 10))
}

func (s *SQLite) GetTime(key string) (time.Time, bool) {
	text, ok := s.get(key, KindTime)
	if !ok {
		return time.Time{}, false
	}
	value, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		s.logger.Error("preference holds malformed time", "key", key, "value", text)
		return time.Time{}, false
	}
	return value, true
}

func (s *SQLite) SetTime(key string, value time.Time) error {
	return s.set(key, KindTime, value.Format(time.RFC3339Nano))
}

func (s *SQLite) Delete(key string) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("prefstore: delete %s: %w", key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM preferences WHERE key = ?`,
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return fmt.Errorf("prefstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Has(key string) bool {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		s.logger.Error("preference read failed", "key", key, "error", err)
		return false
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM preferences WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		s.logger.Error("preference read failed", "key", key, "error", err)
		return false
	}
	return found
}
