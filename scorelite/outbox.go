// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scorelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mobiletoly/go-scoresync/scores"
)

// OutboxEntry is one attempt waiting to be acknowledged by the server
type OutboxEntry struct {
	Attempt   scores.Attempt
	QueuedAt  time.Time
	Attempts  int    // delivery attempts so far
	LastError string // last transient failure, if any
}

type outboxRow struct {
	IdentityKey string         `db:"identity_key"`
	Kind        string         `db:"kind"`
	GroupKey    string         `db:"group_key"`
	Payload     string         `db:"payload"`
	QueuedAt    string         `db:"queued_at"`
	Attempts    int            `db:"attempts"`
	LastError   sql.NullString `db:"last_error"`
}

// Enqueue adds attempts to the outbox. Attempts already queued are left untouched.
// When the outbox table cannot be written the attempts are queued in memory for
// the rest of the session, so they are still pushed.
func (s *LocalStore) Enqueue(ctx context.Context, attempts scores.RecordSet) error {
	if len(attempts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	if err := s.enqueueDB(ctx, attempts, now); err != nil {
		s.logger.Warn("Outbox write failed, queueing in memory", "count", len(attempts), "error", err)
		s.mu.Lock()
		for _, a := range attempts {
			if _, ok := s.memOutbox[a.Identity()]; !ok {
				s.memOutbox[a.Identity()] = OutboxEntry{Attempt: a.WithState(scores.StateUnsynced), QueuedAt: now}
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *LocalStore) enqueueDB(ctx context.Context, attempts scores.RecordSet, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	queuedAt := now.Format(time.RFC3339Nano)
	for _, a := range attempts {
		payload, err := json.Marshal(a.WithState(scores.StateUnsynced))
		if err != nil {
			return fmt.Errorf("failed to encode outbox payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO score_outbox (identity_key, kind, group_key, payload, queued_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(identity_key) DO NOTHING`,
			string(a.Identity()), string(a.Group.Kind), a.Group.String(), string(payload), queuedAt)
		if err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", a.Identity(), err)
		}
	}
	return tx.Commit()
}

// Outbox lists queued attempts of kind, oldest first. An empty kind lists all.
// Attempts queued in memory are included; if the table cannot be read only
// those are returned.
func (s *LocalStore) Outbox(ctx context.Context, kind scores.Kind) ([]OutboxEntry, error) {
	entries, err := s.outboxDB(ctx, kind)
	if err != nil {
		s.logger.Warn("Outbox read failed, using in-memory queue only", "kind", kind, "error", err)
	}

	seen := make(map[scores.IdentityKey]bool, len(entries))
	for _, e := range entries {
		seen[e.Attempt.Identity()] = true
	}
	s.mu.Lock()
	for id, e := range s.memOutbox {
		if !seen[id] && (kind == "" || e.Attempt.Group.Kind == kind) {
			entries = append(entries, e)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].QueuedAt.Equal(entries[j].QueuedAt) {
			return entries[i].QueuedAt.Before(entries[j].QueuedAt)
		}
		return entries[i].Attempt.Identity() < entries[j].Attempt.Identity()
	})
	return entries, nil
}

func (s *LocalStore) outboxDB(ctx context.Context, kind scores.Kind) ([]OutboxEntry, error) {
	query := `SELECT identity_key, kind, group_key, payload, queued_at, attempts, last_error FROM score_outbox`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY queued_at, identity_key`

	var rows []outboxRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	entries := make([]OutboxEntry, 0, len(rows))
	for _, r := range rows {
		var a scores.Attempt
		if err := json.Unmarshal([]byte(r.Payload), &a); err != nil || a.Validate() != nil {
			s.logger.Warn("Dropping corrupt outbox row", "identity", r.IdentityKey, "error", err)
			_ = s.Ack(ctx, []scores.IdentityKey{scores.IdentityKey(r.IdentityKey)})
			continue
		}
		queuedAt, _ := time.Parse(time.RFC3339Nano, r.QueuedAt)
		entries = append(entries, OutboxEntry{
			Attempt:   a,
			QueuedAt:  queuedAt,
			Attempts:  r.Attempts,
			LastError: r.LastError.String,
		})
	}
	return entries, nil
}

// Ack removes delivered (or no longer wanted) attempts from the outbox
func (s *LocalStore) Ack(ctx context.Context, ids []scores.IdentityKey) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.memOutbox, id)
	}
	s.mu.Unlock()

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	query, args, err := sqlx.In(`DELETE FROM score_outbox WHERE identity_key IN (?)`, raw)
	if err != nil {
		return fmt.Errorf("failed to build outbox delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete outbox rows: %w", err)
	}
	return nil
}

// MarkRetry records a failed delivery attempt
func (s *LocalStore) MarkRetry(ctx context.Context, ids []scores.IdentityKey, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.mu.Lock()
	for _, id := range ids {
		if e, ok := s.memOutbox[id]; ok {
			e.Attempts++
			e.LastError = msg
			s.memOutbox[id] = e
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE score_outbox SET attempts = attempts + 1, last_error = ? WHERE identity_key = ?`,
			msg, string(id)); err != nil {
			return fmt.Errorf("failed to update outbox row %s: %w", id, err)
		}
	}
	return nil
}

// ClearOutbox drops queued attempts of kind (all kinds when empty), narrowed to
// one grouping key when group is set
func (s *LocalStore) ClearOutbox(ctx context.Context, kind scores.Kind, group *scores.GroupKey) error {
	s.mu.Lock()
	for id, e := range s.memOutbox {
		g := e.Attempt.Group
		if (group != nil && g == *group) || (group == nil && (kind == "" || g.Kind == kind)) {
			delete(s.memOutbox, id)
		}
	}
	s.mu.Unlock()

	var err error
	switch {
	case group != nil:
		_, err = s.db.ExecContext(ctx, `DELETE FROM score_outbox WHERE group_key = ?`, group.String())
	case kind != "":
		_, err = s.db.ExecContext(ctx, `DELETE FROM score_outbox WHERE kind = ?`, string(kind))
	default:
		_, err = s.db.ExecContext(ctx, `DELETE FROM score_outbox`)
	}
	if err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	return nil
}
