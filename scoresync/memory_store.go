// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"context"
	"sync"
	"time"

	"github.com/mobiletoly/go-scoresync/scores"
)

// MemoryStore is an in-process Store used by tests and local development.
// It mirrors the Postgres semantics: identity-unique inserts and per-group trimming.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]map[scores.IdentityKey]scores.Attempt
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]map[scores.IdentityKey]scores.Attempt),
		now:   time.Now,
	}
}

// ForUser implements Store
func (m *MemoryStore) ForUser(userID string) Repository {
	return &memoryRepository{store: m, userID: userID}
}

type memoryRepository struct {
	store  *MemoryStore
	userID string
}

// rows returns the user's map, creating it when needed; caller holds the lock
func (r *memoryRepository) rows() map[scores.IdentityKey]scores.Attempt {
	rows, ok := r.store.users[r.userID]
	if !ok {
		rows = make(map[scores.IdentityKey]scores.Attempt)
		r.store.users[r.userID] = rows
	}
	return rows
}

func (r *memoryRepository) list(kind scores.Kind) scores.RecordSet {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out scores.RecordSet
	for _, a := range r.rows() {
		if a.Group.Kind == kind {
			out = append(out, a)
		}
	}
	scores.SortAscending(out)
	return scores.Flatten(out.ByGroup())
}

func (r *memoryRepository) insert(a scores.Attempt) (scores.Attempt, bool) {
	rows := r.rows()
	id := a.Identity()
	if existing, ok := rows[id]; ok {
		return existing, false
	}
	a.ObservedAt = scores.TruncateMillis(r.store.now())
	a.State = ""
	rows[id] = a
	return a, true
}

func (r *memoryRepository) ListPractice(ctx context.Context) (scores.RecordSet, error) {
	return r.list(scores.KindPractice), nil
}

func (r *memoryRepository) UpsertPractice(ctx context.Context, attempts scores.RecordSet) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	inserted := 0
	for _, a := range attempts {
		if _, created := r.insert(a); created {
			inserted++
		}
	}
	return inserted, nil
}

func (r *memoryRepository) ClearPractice(ctx context.Context, task string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rows := r.rows()
	for id, a := range rows {
		if a.Group.Kind == scores.KindPractice && (task == "" || a.Group.Task == task) {
			delete(rows, id)
		}
	}
	return nil
}

func (r *memoryRepository) ListQuiz(ctx context.Context) (scores.RecordSet, error) {
	return r.list(scores.KindQuiz), nil
}

func (r *memoryRepository) AppendQuiz(ctx context.Context, attempt scores.Attempt, maxHistory int) (scores.Attempt, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	stored, created := r.insert(attempt)

	rows := r.rows()
	var group scores.RecordSet
	for _, a := range rows {
		if a.Group == attempt.Group {
			group = append(group, a)
		}
	}
	_, evicted := scores.Retain(group, maxHistory)
	for _, a := range evicted {
		delete(rows, a.Identity())
	}
	return stored, created, nil
}

func (r *memoryRepository) ClearQuiz(ctx context.Context, section, module string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rows := r.rows()
	for id, a := range rows {
		if a.Group.Kind != scores.KindQuiz {
			continue
		}
		if section != "" && (a.Group.Section != section || a.Group.Module != module) {
			continue
		}
		delete(rows, id)
	}
	return nil
}

func (r *memoryRepository) DeleteByIdentity(ctx context.Context, kind scores.Kind, identity scores.IdentityKey) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rows := r.rows()
	if a, ok := rows[identity]; ok && a.Group.Kind == kind {
		delete(rows, identity)
		return 1, nil
	}
	return 0, nil
}
