// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package scorelite is the offline-first client for go-scoresync: a SQLite
// record cache with a durable outbox, an HTTP client for the progress server,
// and a coordinator that reconciles the two.
package scorelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-scoresync/scores"
)

// LocalStore caches attempt sets per grouping key. Reads never fail: a missing
// or corrupt entry reads as empty. Writes that fail degrade the key to an
// in-memory overlay for the rest of the session.
type LocalStore struct {
	db     *sqlx.DB
	logger *slog.Logger

	mu        sync.Mutex
	overlay   map[scores.GroupKey]scores.RecordSet // authoritative when present, even if empty
	memOutbox map[scores.IdentityKey]OutboxEntry   // queued attempts the outbox table could not take
}

type cacheRow struct {
	GroupKey  string `db:"group_key"`
	Kind      string `db:"kind"`
	Payload   string `db:"payload"`
	UpdatedAt string `db:"updated_at"`
}

// OpenLocalStore opens (or creates) the SQLite cache at path
func OpenLocalStore(path string, logger *slog.Logger) (*LocalStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store %s: %w", path, err)
	}
	// SQLite doesn't support multiple writers; a single connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := NewLocalStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewLocalStore wraps an existing connection and creates the cache tables
func NewLocalStore(db *sqlx.DB, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &LocalStore{
		db:      db,
		logger:  logger,
		overlay:   make(map[scores.GroupKey]scores.RecordSet),
		memOutbox: make(map[scores.IdentityKey]OutboxEntry),
	}, nil
}

// initializeDatabase creates the cache, outbox and client info tables
func initializeDatabase(db *sqlx.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// One row per grouping key; payload is the JSON-encoded record set
		`CREATE TABLE IF NOT EXISTS score_cache (
			group_key  TEXT NOT NULL PRIMARY KEY,      -- practice:<task> | quiz:<section>/<module>
			kind       TEXT NOT NULL CHECK (kind IN ('practice','quiz')),
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Durable push queue, one row per identity
		`CREATE TABLE IF NOT EXISTS score_outbox (
			identity_key TEXT NOT NULL PRIMARY KEY,
			kind         TEXT NOT NULL CHECK (kind IN ('practice','quiz')),
			group_key    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			queued_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS client_info (
			user_id   TEXT NOT NULL PRIMARY KEY,
			device_id TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS score_outbox_kind_idx ON score_outbox(kind, queued_at)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create local table: %w", err)
		}
	}
	return nil
}

// DB returns the underlying connection
func (s *LocalStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying connection
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// Degraded reports whether any key or queued attempt is currently held in memory only
func (s *LocalStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overlay) > 0 || len(s.memOutbox) > 0
}

// Load returns the cached set for key, ascending by timestamp. It never fails:
// absent, unreadable or corrupt entries read as empty.
func (s *LocalStore) Load(ctx context.Context, key scores.GroupKey) scores.RecordSet {
	s.mu.Lock()
	if rs, ok := s.overlay[key]; ok {
		s.mu.Unlock()
		return append(scores.RecordSet(nil), rs...)
	}
	s.mu.Unlock()

	var row cacheRow
	err := s.db.GetContext(ctx, &row, `SELECT group_key, kind, payload, updated_at FROM score_cache WHERE group_key = ?`, key.String())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Local store read failed", "group", key.String(), "error", err)
		}
		return nil
	}

	var rs scores.RecordSet
	if err := json.Unmarshal([]byte(row.Payload), &rs); err != nil {
		s.logger.Warn("Discarding corrupt local entry", "group", key.String(), "error", err)
		return nil
	}
	for _, a := range rs {
		if a.Group != key {
			s.logger.Warn("Discarding corrupt local entry", "group", key.String(), "error", "group mismatch")
			return nil
		}
		if err := a.Validate(); err != nil {
			s.logger.Warn("Discarding corrupt local entry", "group", key.String(), "error", err)
			return nil
		}
	}
	scores.SortAscending(rs)
	return rs
}

// Save replaces the cached set for key. An empty set removes the key.
// Failures are logged and the key falls back to memory; nothing is returned.
func (s *LocalStore) Save(ctx context.Context, key scores.GroupKey, rs scores.RecordSet) {
	if len(rs) == 0 {
		s.Delete(ctx, key)
		return
	}
	payload, err := json.Marshal(rs)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO score_cache (group_key, kind, payload, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(group_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			key.String(), string(key.Kind), string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn("Local store write failed, keeping entry in memory", "group", key.String(), "error", err)
		s.overlay[key] = append(scores.RecordSet(nil), rs...)
		return
	}
	delete(s.overlay, key)
}

// Keys lists the cached grouping keys of kind in lexical order
func (s *LocalStore) Keys(ctx context.Context, kind scores.Kind) []scores.GroupKey {
	seen := make(map[scores.GroupKey]bool)

	var raw []string
	if err := s.db.SelectContext(ctx, &raw, `SELECT group_key FROM score_cache WHERE kind = ?`, string(kind)); err != nil {
		s.logger.Warn("Local store key scan failed", "kind", kind, "error", err)
	}
	for _, r := range raw {
		key, err := scores.ParseGroupKey(r)
		if err != nil {
			s.logger.Warn("Skipping malformed local key", "group", r, "error", err)
			continue
		}
		seen[key] = true
	}

	s.mu.Lock()
	for key, rs := range s.overlay {
		if key.Kind != kind {
			continue
		}
		seen[key] = len(rs) > 0
	}
	s.mu.Unlock()

	keys := make([]scores.GroupKey, 0, len(seen))
	for key, present := range seen {
		if present {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Delete removes one grouping key
func (s *LocalStore) Delete(ctx context.Context, key scores.GroupKey) {
	_, err := s.db.ExecContext(ctx, `DELETE FROM score_cache WHERE group_key = ?`, key.String())
	s.afterDelete(err, func(k scores.GroupKey) bool { return k == key }, []scores.GroupKey{key})
}

// DeleteKind removes every grouping key of kind
func (s *LocalStore) DeleteKind(ctx context.Context, kind scores.Kind) {
	keys := s.Keys(ctx, kind)
	_, err := s.db.ExecContext(ctx, `DELETE FROM score_cache WHERE kind = ?`, string(kind))
	s.afterDelete(err, func(k scores.GroupKey) bool { return k.Kind == kind }, keys)
}

// DeleteAll removes every cached key
func (s *LocalStore) DeleteAll(ctx context.Context) {
	var keys []scores.GroupKey
	for _, kind := range scores.Kinds {
		keys = append(keys, s.Keys(ctx, kind)...)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM score_cache`)
	s.afterDelete(err, func(scores.GroupKey) bool { return true }, keys)
}

// afterDelete drops matching overlay entries, or masks the keys with empty
// overlay entries when the delete itself failed
func (s *LocalStore) afterDelete(err error, match func(scores.GroupKey) bool, keys []scores.GroupKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn("Local store delete failed, masking entries in memory", "keys", len(keys), "error", err)
		for _, k := range keys {
			s.overlay[k] = scores.RecordSet{}
		}
		return
	}
	for k := range s.overlay {
		if match(k) {
			delete(s.overlay, k)
		}
	}
}
