// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package scores defines the attempt record shared by the server store and the
// offline client cache, together with the pure functions that reconcile them:
// identity derivation, deduplication, retention and merge.
package scores

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind selects the record family an attempt belongs to
type Kind string

const (
	KindPractice Kind = "practice" // bucketed by task type
	KindQuiz     Kind = "quiz"     // bucketed by section + module
)

// Kinds lists all record families in the order they are synced
var Kinds = []Kind{KindPractice, KindQuiz}

// SyncState is the per-record synchronization status kept in the local cache
type SyncState string

const (
	StateUnsynced SyncState = "unsynced"
	StateSynced   SyncState = "synced"
	StateFailed   SyncState = "failed"
)

// ErrInvalidAttempt is wrapped by every validation failure
var ErrInvalidAttempt = errors.New("invalid_attempt")

// GroupKey is the dimension attempts are bucketed and retention-capped by
type GroupKey struct {
	Kind    Kind   `json:"kind"`
	Task    string `json:"task,omitempty"`    // practice only
	Section string `json:"section,omitempty"` // quiz only
	Module  string `json:"module,omitempty"`  // quiz only
}

// PracticeKey builds the grouping key for a practice task type
func PracticeKey(task string) GroupKey {
	return GroupKey{Kind: KindPractice, Task: task}
}

// QuizKey builds the grouping key for a quiz section/module pair
func QuizKey(section, module string) GroupKey {
	return GroupKey{Kind: KindQuiz, Section: section, Module: module}
}

// String renders "practice:<task>" or "quiz:<section>/<module>"
func (g GroupKey) String() string {
	if g.Kind == KindQuiz {
		return string(KindQuiz) + ":" + g.Section + "/" + g.Module
	}
	return string(g.Kind) + ":" + g.Task
}

// Label is the key without the kind prefix, as used in the quiz-scores response map
func (g GroupKey) Label() string {
	if g.Kind == KindQuiz {
		return g.Section + "/" + g.Module
	}
	return g.Task
}

// Validate checks that the key names a known kind and carries its fields
func (g GroupKey) Validate() error {
	switch g.Kind {
	case KindPractice:
		if strings.TrimSpace(g.Task) == "" {
			return fmt.Errorf("%w: task is required", ErrInvalidAttempt)
		}
	case KindQuiz:
		if strings.TrimSpace(g.Section) == "" || strings.TrimSpace(g.Module) == "" {
			return fmt.Errorf("%w: sectionId and moduleId are required", ErrInvalidAttempt)
		}
		if strings.Contains(g.Section, "/") {
			return fmt.Errorf("%w: sectionId may not contain '/'", ErrInvalidAttempt)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAttempt, g.Kind)
	}
	return nil
}

// ParseGroupKey is the inverse of GroupKey.String
func ParseGroupKey(s string) (GroupKey, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return GroupKey{}, fmt.Errorf("%w: malformed group key %q", ErrInvalidAttempt, s)
	}
	var g GroupKey
	switch Kind(kind) {
	case KindPractice:
		g = PracticeKey(rest)
	case KindQuiz:
		section, module, ok := strings.Cut(rest, "/")
		if !ok {
			return GroupKey{}, fmt.Errorf("%w: malformed quiz key %q", ErrInvalidAttempt, s)
		}
		g = QuizKey(section, module)
	default:
		return GroupKey{}, fmt.Errorf("%w: unknown kind in %q", ErrInvalidAttempt, s)
	}
	if err := g.Validate(); err != nil {
		return GroupKey{}, err
	}
	return g, nil
}

// IdentityKey is the composite (group, timestamp) used to detect duplicates.
// It is not globally unique: two attempts in the same group created within the
// same millisecond share a key and collapse into one on merge.
type IdentityKey string

// Attempt is one scored practice or quiz event
type Attempt struct {
	Group      GroupKey  `json:"group"`
	Score      int       `json:"score"`
	Total      int       `json:"total"`
	Timestamp  time.Time `json:"timestamp"`       // when the exercise finished, ms precision
	ObservedAt time.Time `json:"observedAt"`      // when this copy was observed; dedup tiebreak only
	State      SyncState `json:"state,omitempty"` // local cache only
}

// NewAttempt builds an unsynced attempt with timestamps normalized to milliseconds
func NewAttempt(group GroupKey, score, total int, ts time.Time) Attempt {
	ts = TruncateMillis(ts)
	return Attempt{
		Group:      group,
		Score:      score,
		Total:      total,
		Timestamp:  ts,
		ObservedAt: ts,
		State:      StateUnsynced,
	}
}

// TruncateMillis drops sub-millisecond precision and normalizes to UTC
func TruncateMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// FromMillis converts wire epoch milliseconds to a UTC time
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Identity derives the composite identity key of the attempt
func (a Attempt) Identity() IdentityKey {
	return IdentityKey(a.Group.String() + "@" + strconv.FormatInt(a.Timestamp.UnixMilli(), 10))
}

// Validate enforces 0 <= score <= total, total > 0 and a usable group/timestamp
func (a Attempt) Validate() error {
	if err := a.Group.Validate(); err != nil {
		return err
	}
	if a.Total <= 0 {
		return fmt.Errorf("%w: total must be positive, got %d", ErrInvalidAttempt, a.Total)
	}
	if a.Score < 0 {
		return fmt.Errorf("%w: score must be non-negative, got %d", ErrInvalidAttempt, a.Score)
	}
	if a.Score > a.Total {
		return fmt.Errorf("%w: score %d exceeds total %d", ErrInvalidAttempt, a.Score, a.Total)
	}
	if a.Timestamp.IsZero() || a.Timestamp.UnixMilli() <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidAttempt)
	}
	return nil
}

// WithState returns a copy carrying the given sync state
func (a Attempt) WithState(state SyncState) Attempt {
	a.State = state
	return a
}

// RecordSet is a sequence of attempts, ascending by timestamp after any merge
type RecordSet []Attempt

// Identities returns the set of identity keys present in rs
func (rs RecordSet) Identities() map[IdentityKey]struct{} {
	ids := make(map[IdentityKey]struct{}, len(rs))
	for _, a := range rs {
		ids[a.Identity()] = struct{}{}
	}
	return ids
}

// Contains reports whether an attempt with the given identity is present
func (rs RecordSet) Contains(id IdentityKey) bool {
	for _, a := range rs {
		if a.Identity() == id {
			return true
		}
	}
	return false
}

// ByGroup buckets attempts by their grouping key, preserving order
func (rs RecordSet) ByGroup() map[GroupKey]RecordSet {
	out := make(map[GroupKey]RecordSet)
	for _, a := range rs {
		out[a.Group] = append(out[a.Group], a)
	}
	return out
}

// Flatten concatenates grouped sets ordered by group key then timestamp
func Flatten(groups map[GroupKey]RecordSet) RecordSet {
	keys := SortedKeys(groups)
	var out RecordSet
	for _, k := range keys {
		out = append(out, groups[k]...)
	}
	return out
}
