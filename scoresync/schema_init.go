// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the progress tables within an existing transaction
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx, logger *slog.Logger) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS progress`,

		// 1) Practice history, bucketed by task type
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS progress.practice_history (
			id           BIGSERIAL PRIMARY KEY,
			user_id      TEXT        NOT NULL,
			task         TEXT        NOT NULL,
			score        INTEGER     NOT NULL,
			total        INTEGER     NOT NULL,
			ts_ms        BIGINT      NOT NULL,
			identity_key TEXT        NOT NULL,
			recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, identity_key),
			CONSTRAINT practice_score_range_chk CHECK (total > 0 AND score >= 0 AND score <= total)
		)`,

		// 2) Quiz attempts, bucketed by (section, module) and trimmed per bucket
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS progress.quiz_attempts (
			id           BIGSERIAL PRIMARY KEY,
			user_id      TEXT        NOT NULL,
			section_id   TEXT        NOT NULL,
			module_id    TEXT        NOT NULL,
			score        INTEGER     NOT NULL,
			total        INTEGER     NOT NULL,
			ts_ms        BIGINT      NOT NULL,
			identity_key TEXT        NOT NULL,
			recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, identity_key),
			CONSTRAINT quiz_score_range_chk CHECK (total > 0 AND score >= 0 AND score <= total)
		)`,

		`CREATE INDEX IF NOT EXISTS ph_user_task_ts_idx ON progress.practice_history(user_id, task, ts_ms)`,
		`CREATE INDEX IF NOT EXISTS qa_user_group_ts_idx ON progress.quiz_attempts(user_id, section_id, module_id, ts_ms)`,
	}

	for i, migration := range migrations {
		logger.Debug("Running progress migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("progress migration %d failed: %w", i+1, err)
		}
	}
	logger.Info("Progress schema initialized successfully", "migrations", len(migrations))
	return nil
}
