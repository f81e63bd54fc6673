// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"time"

	"github.com/mobiletoly/go-scoresync/scores"
)

// REST/JSON models for the /progress and /quiz-scores endpoints.
// The two endpoint families use different field names; the adapters below map
// both onto scores.Attempt so validation and storage see one schema.

// PracticeEntry is one practice-history record as exchanged on /progress
type PracticeEntry struct {
	Task       string `json:"task"`                 // Task type (grouping key)
	Score      int    `json:"score"`                // Points scored
	Total      int    `json:"total"`                // Points available
	Timestamp  int64  `json:"timestamp"`            // Epoch milliseconds when the exercise finished
	RecordedAt *int64 `json:"recordedAt,omitempty"` // Epoch milliseconds when the server stored it
}

// QuizAttempt is one quiz-score record as exchanged on /quiz-scores
type QuizAttempt struct {
	SectionID  string `json:"sectionId"`
	ModuleID   string `json:"moduleId"`
	Score      int    `json:"score"`
	Total      int    `json:"total"`
	Timestamp  int64  `json:"timestamp,omitempty"` // Epoch milliseconds; server time when omitted on POST
	RecordedAt *int64 `json:"recordedAt,omitempty"`
}

// ProgressUploadRequest is the POST /progress body
type ProgressUploadRequest struct {
	PracticeHistory []PracticeEntry `json:"practiceHistory"`
}

// ProgressListResponse is the GET /progress body
type ProgressListResponse struct {
	Success bool            `json:"success"`
	Data    []PracticeEntry `json:"data"`
	Count   int             `json:"count"`
}

// ProgressUploadResponse is the POST /progress body
type ProgressUploadResponse struct {
	Success bool `json:"success"`
	Synced  int  `json:"synced"` // Number of newly stored entries (duplicates are skipped)
}

// QuizScoresResponse is the GET /quiz-scores body. Attempts are keyed by
// "<sectionId>/<moduleId>" and ordered ascending by timestamp.
type QuizScoresResponse struct {
	Attempts map[string][]QuizAttempt `json:"attempts"`
	Version  int                      `json:"version"`
}

// QuizAppendResponse is the POST /quiz-scores body
type QuizAppendResponse struct {
	Success bool        `json:"success"`
	Attempt QuizAttempt `json:"attempt"`
	Created bool        `json:"created"` // False when an attempt with the same identity already existed
}

// DeleteResponse is the DELETE body for both endpoint families
type DeleteResponse struct {
	Success bool `json:"success"`
	Deleted *int `json:"deleted,omitempty"` // Set for delete-by-identity requests
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ToAttempt converts a wire practice entry to the unified attempt schema
func (p PracticeEntry) ToAttempt() scores.Attempt {
	a := scores.NewAttempt(scores.PracticeKey(p.Task), p.Score, p.Total, scores.FromMillis(p.Timestamp))
	if p.Timestamp == 0 {
		a.Timestamp, a.ObservedAt = time.Time{}, time.Time{}
	}
	if p.RecordedAt != nil {
		a.ObservedAt = scores.FromMillis(*p.RecordedAt)
	}
	return a
}

// PracticeEntryFromAttempt converts a stored attempt to its wire form
func PracticeEntryFromAttempt(a scores.Attempt) PracticeEntry {
	return PracticeEntry{
		Task:       a.Group.Task,
		Score:      a.Score,
		Total:      a.Total,
		Timestamp:  a.Timestamp.UnixMilli(),
		RecordedAt: millisPtr(a.ObservedAt),
	}
}

// ToAttempt converts a wire quiz attempt to the unified attempt schema.
// A zero timestamp is replaced by now.
func (q QuizAttempt) ToAttempt(now time.Time) scores.Attempt {
	ts := now
	if q.Timestamp != 0 {
		ts = scores.FromMillis(q.Timestamp)
	}
	a := scores.NewAttempt(scores.QuizKey(q.SectionID, q.ModuleID), q.Score, q.Total, ts)
	if q.RecordedAt != nil {
		a.ObservedAt = scores.FromMillis(*q.RecordedAt)
	}
	return a
}

// QuizAttemptFromAttempt converts a stored attempt to its wire form
func QuizAttemptFromAttempt(a scores.Attempt) QuizAttempt {
	return QuizAttempt{
		SectionID:  a.Group.Section,
		ModuleID:   a.Group.Module,
		Score:      a.Score,
		Total:      a.Total,
		Timestamp:  a.Timestamp.UnixMilli(),
		RecordedAt: millisPtr(a.ObservedAt),
	}
}

func millisPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
