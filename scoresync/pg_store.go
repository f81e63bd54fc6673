// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-scoresync/scores"
)

// PGStore is the Postgres-backed Store. It owns no global state: every request
// gets its own user-scoped repository over the shared pool.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates the progress schema if needed and returns the store.
// The caller keeps ownership of the pool.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx, logger)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize progress schema: %w", err)
	}
	return &PGStore{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// ForUser implements Store
func (s *PGStore) ForUser(userID string) Repository {
	return &pgRepository{pool: s.pool, userID: userID, logger: s.logger}
}

type pgRepository struct {
	pool   *pgxpool.Pool
	userID string
	logger *slog.Logger
}

func (r *pgRepository) ListPractice(ctx context.Context) (scores.RecordSet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task, score, total, ts_ms, recorded_at
		FROM progress.practice_history
		WHERE user_id = $1
		ORDER BY task, ts_ms`, r.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query practice history: %w", err)
	}
	defer rows.Close()

	var out scores.RecordSet
	for rows.Next() {
		var task string
		var score, total int
		var tsMs int64
		var recordedAt time.Time
		if err := rows.Scan(&task, &score, &total, &tsMs, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan practice row: %w", err)
		}
		a := scores.NewAttempt(scores.PracticeKey(task), score, total, scores.FromMillis(tsMs))
		a.ObservedAt = scores.TruncateMillis(recordedAt)
		a.State = ""
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating practice rows: %w", err)
	}
	return out, nil
}

func (r *pgRepository) UpsertPractice(ctx context.Context, attempts scores.RecordSet) (int, error) {
	if len(attempts) == 0 {
		return 0, nil
	}
	var inserted int
	err := withTxRetry(ctx, func(attempt int) error {
		inserted = 0
		return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, a := range attempts {
				batch.Queue(`
					INSERT INTO progress.practice_history (user_id, task, score, total, ts_ms, identity_key)
					VALUES ($1, $2, $3, $4, $5, $6)
					ON CONFLICT (user_id, identity_key) DO NOTHING`,
					r.userID, a.Group.Task, a.Score, a.Total, a.Timestamp.UnixMilli(), string(a.Identity()))
			}
			br := tx.SendBatch(ctx, batch)
			for range attempts {
				tag, err := br.Exec()
				if err != nil {
					_ = br.Close()
					return fmt.Errorf("failed to insert practice entry: %w", err)
				}
				inserted += int(tag.RowsAffected())
			}
			return br.Close()
		})
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *pgRepository) ClearPractice(ctx context.Context, task string) error {
	var err error
	if task == "" {
		_, err = r.pool.Exec(ctx, `DELETE FROM progress.practice_history WHERE user_id = $1`, r.userID)
	} else {
		_, err = r.pool.Exec(ctx, `DELETE FROM progress.practice_history WHERE user_id = $1 AND task = $2`, r.userID, task)
	}
	if err != nil {
		return fmt.Errorf("failed to clear practice history: %w", err)
	}
	return nil
}

func (r *pgRepository) ListQuiz(ctx context.Context) (scores.RecordSet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT section_id, module_id, score, total, ts_ms, recorded_at
		FROM progress.quiz_attempts
		WHERE user_id = $1
		ORDER BY section_id, module_id, ts_ms`, r.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quiz attempts: %w", err)
	}
	defer rows.Close()

	var out scores.RecordSet
	for rows.Next() {
		var section, module string
		var score, total int
		var tsMs int64
		var recordedAt time.Time
		if err := rows.Scan(&section, &module, &score, &total, &tsMs, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quiz row: %w", err)
		}
		a := scores.NewAttempt(scores.QuizKey(section, module), score, total, scores.FromMillis(tsMs))
		a.ObservedAt = scores.TruncateMillis(recordedAt)
		a.State = ""
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quiz rows: %w", err)
	}
	return out, nil
}

func (r *pgRepository) AppendQuiz(ctx context.Context, attempt scores.Attempt, maxHistory int) (scores.Attempt, bool, error) {
	if maxHistory <= 0 {
		maxHistory = scores.DefaultMaxHistory
	}
	var stored scores.Attempt
	var created bool

	err := withTxRetry(ctx, func(try int) error {
		// READ COMMITTED: each statement after the lock sees rows committed by the previous holder
		return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'"); err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
			// Serialize appends per (user, section, module) so concurrent trims cannot overshoot.
			lockKey := r.userID + "|" + attempt.Group.String()
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
				return fmt.Errorf("failed to lock quiz group: %w", err)
			}

			stored = attempt
			stored.State = ""
			var recordedAt time.Time
			err := tx.QueryRow(ctx, `
				INSERT INTO progress.quiz_attempts (user_id, section_id, module_id, score, total, ts_ms, identity_key)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (user_id, identity_key) DO NOTHING
				RETURNING recorded_at`,
				r.userID, attempt.Group.Section, attempt.Group.Module, attempt.Score, attempt.Total,
				attempt.Timestamp.UnixMilli(), string(attempt.Identity())).Scan(&recordedAt)
			switch {
			case err == nil:
				created = true
			case errors.Is(err, pgx.ErrNoRows):
				created = false
				err = tx.QueryRow(ctx, `
					SELECT score, total, recorded_at FROM progress.quiz_attempts
					WHERE user_id = $1 AND identity_key = $2`,
					r.userID, string(attempt.Identity())).Scan(&stored.Score, &stored.Total, &recordedAt)
				if err != nil {
					return fmt.Errorf("failed to load existing quiz attempt: %w", err)
				}
			default:
				return fmt.Errorf("failed to insert quiz attempt: %w", err)
			}
			stored.ObservedAt = scores.TruncateMillis(recordedAt)

			tag, err := tx.Exec(ctx, `
				DELETE FROM progress.quiz_attempts
				WHERE user_id = $1 AND section_id = $2 AND module_id = $3
				  AND id NOT IN (
					SELECT id FROM progress.quiz_attempts
					WHERE user_id = $1 AND section_id = $2 AND module_id = $3
					ORDER BY ts_ms DESC, id DESC
					LIMIT $4
				  )`,
				r.userID, attempt.Group.Section, attempt.Group.Module, maxHistory)
			if err != nil {
				return fmt.Errorf("failed to trim quiz attempts: %w", err)
			}
			if tag.RowsAffected() > 0 {
				r.logger.Debug("Trimmed quiz attempts", "user_id", r.userID, "group", attempt.Group.String(), "removed", tag.RowsAffected())
			}
			return nil
		})
	})
	if err != nil {
		return scores.Attempt{}, false, err
	}
	return stored, created, nil
}

func (r *pgRepository) ClearQuiz(ctx context.Context, section, module string) error {
	var err error
	if section == "" {
		_, err = r.pool.Exec(ctx, `DELETE FROM progress.quiz_attempts WHERE user_id = $1`, r.userID)
	} else {
		_, err = r.pool.Exec(ctx, `
			DELETE FROM progress.quiz_attempts
			WHERE user_id = $1 AND section_id = $2 AND module_id = $3`, r.userID, section, module)
	}
	if err != nil {
		return fmt.Errorf("failed to clear quiz attempts: %w", err)
	}
	return nil
}

func (r *pgRepository) DeleteByIdentity(ctx context.Context, kind scores.Kind, identity scores.IdentityKey) (int, error) {
	table := "progress.practice_history"
	if kind == scores.KindQuiz {
		table = "progress.quiz_attempts"
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND identity_key = $2`, table), r.userID, string(identity))
	if err != nil {
		return 0, fmt.Errorf("failed to delete attempt %s: %w", identity, err)
	}
	return int(tag.RowsAffected()), nil
}
