// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"context"

	"github.com/mobiletoly/go-scoresync/scores"
)

// Store hands out repositories scoped to a single user.
// A repository is created per request and must not outlive it.
type Store interface {
	ForUser(userID string) Repository
}

// Repository is the authoritative per-user attempt store.
// All attempts passed in have already been validated by the service.
type Repository interface {
	// ListPractice returns the user's practice history ordered by (task, timestamp)
	ListPractice(ctx context.Context) (scores.RecordSet, error)

	// UpsertPractice stores attempts, skipping any whose identity already exists.
	// Returns the number of newly stored attempts.
	UpsertPractice(ctx context.Context, attempts scores.RecordSet) (int, error)

	// ClearPractice deletes all practice history, or only one task when task != ""
	ClearPractice(ctx context.Context, task string) error

	// ListQuiz returns the user's quiz attempts ordered by (section, module, timestamp)
	ListQuiz(ctx context.Context) (scores.RecordSet, error)

	// AppendQuiz stores one attempt unless its identity exists, then trims the
	// attempt's (section, module) group to the newest maxHistory entries.
	// Returns the stored attempt and whether it was newly created.
	AppendQuiz(ctx context.Context, attempt scores.Attempt, maxHistory int) (scores.Attempt, bool, error)

	// ClearQuiz deletes all quiz attempts, or only one (section, module) group when both are set
	ClearQuiz(ctx context.Context, section, module string) error

	// DeleteByIdentity removes one attempt by its identity key; returns the number of rows removed
	DeleteByIdentity(ctx context.Context, kind scores.Kind, identity scores.IdentityKey) (int, error)
}
