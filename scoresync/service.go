// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-scoresync/scores"
)

// ProgressService is the authoritative side of score synchronization.
// It validates incoming records and delegates storage to a per-user repository.
type ProgressService struct {
	store  Store
	logger *slog.Logger
	config *ServiceConfig
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the progress service
type ServiceConfig struct {
	MaxHistory    int // Attempts kept per quiz (section, module); 0 = scores.DefaultMaxHistory
	SchemaVersion int // Version reported by GET /quiz-scores
	MaxBatchSize  int // Maximum practice entries per POST /progress (0 = unlimited)

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// NewProgressService creates a service over the given store
func NewProgressService(store Store, config *ServiceConfig, logger *slog.Logger) (*ProgressService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = scores.DefaultMaxHistory
	}
	if config.SchemaVersion <= 0 {
		config.SchemaVersion = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressService{
		store:  store,
		logger: logger,
		config: config,
		now:    time.Now,
	}, nil
}

// Close marks the service closed. It does not close the underlying store.
func (s *ProgressService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Progress service shutdown complete")
	return nil
}

func (s *ProgressService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("progress service has been closed")
	}
	return nil
}

// SchemaVersion returns the record format version reported to clients
func (s *ProgressService) SchemaVersion() int {
	return s.config.SchemaVersion
}

// MaxHistory returns the per-group retention bound
func (s *ProgressService) MaxHistory() int {
	return s.config.MaxHistory
}

// ListPractice returns the user's practice history, grouped by task and ascending by timestamp
func (s *ProgressService) ListPractice(ctx context.Context, userID string) (scores.RecordSet, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	rs, err := s.store.ForUser(userID).ListPractice(ctx)
	s.observeStage(ctx, MetricsOpProgressList, MetricsStageTotal, start, len(rs), err != nil)
	return rs, err
}

// UploadPractice stores a batch of practice entries, skipping duplicates.
// The whole batch is rejected when any entry is invalid.
func (s *ProgressService) UploadPractice(ctx context.Context, userID string, entries []PracticeEntry) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	if s.config.MaxBatchSize > 0 && len(entries) > s.config.MaxBatchSize {
		return 0, fmt.Errorf("%w: %w: entries=%d limit=%d", ErrValidation, ErrBatchTooLarge, len(entries), s.config.MaxBatchSize)
	}

	total := s.stageStart()
	validate := s.stageStart()
	attempts := make(scores.RecordSet, 0, len(entries))
	for i, e := range entries {
		a := e.ToAttempt()
		if err := validateAttempt(a); err != nil {
			s.observeStage(ctx, MetricsOpProgressUpload, MetricsStageValidate, validate, len(entries), true)
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
		attempts = append(attempts, a)
	}
	s.observeStage(ctx, MetricsOpProgressUpload, MetricsStageValidate, validate, len(entries), false)

	store := s.stageStart()
	inserted, err := s.store.ForUser(userID).UpsertPractice(ctx, attempts)
	s.observeStage(ctx, MetricsOpProgressUpload, MetricsStageStore, store, len(attempts), err != nil)
	s.observeStage(ctx, MetricsOpProgressUpload, MetricsStageTotal, total, inserted, err != nil)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("Practice entries stored", "user_id", userID, "received", len(entries), "inserted", inserted)
	return inserted, nil
}

// ClearPractice deletes the user's practice history, or one task's when task != ""
func (s *ProgressService) ClearPractice(ctx context.Context, userID, task string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	start := s.stageStart()
	err := s.store.ForUser(userID).ClearPractice(ctx, task)
	s.observeStage(ctx, MetricsOpProgressClear, MetricsStageTotal, start, 0, err != nil)
	return err
}

// ListQuiz returns the user's quiz attempts, grouped by (section, module) and ascending by timestamp
func (s *ProgressService) ListQuiz(ctx context.Context, userID string) (scores.RecordSet, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	rs, err := s.store.ForUser(userID).ListQuiz(ctx)
	s.observeStage(ctx, MetricsOpQuizList, MetricsStageTotal, start, len(rs), err != nil)
	return rs, err
}

// AppendQuiz stores one quiz attempt and trims its group to MaxHistory.
// A missing timestamp is replaced by the server clock.
func (s *ProgressService) AppendQuiz(ctx context.Context, userID string, in QuizAttempt) (scores.Attempt, bool, error) {
	if err := s.checkClosed(); err != nil {
		return scores.Attempt{}, false, err
	}
	a := in.ToAttempt(s.now())
	if err := validateAttempt(a); err != nil {
		return scores.Attempt{}, false, err
	}

	start := s.stageStart()
	stored, created, err := s.store.ForUser(userID).AppendQuiz(ctx, a, s.config.MaxHistory)
	count := 0
	if created {
		count = 1
	}
	s.observeStage(ctx, MetricsOpQuizAppend, MetricsStageTotal, start, count, err != nil)
	if err != nil {
		return scores.Attempt{}, false, err
	}
	return stored, created, nil
}

// ClearQuiz deletes the user's quiz attempts, or one (section, module) group when both are set
func (s *ProgressService) ClearQuiz(ctx context.Context, userID, section, module string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := validateQuizScope(section, module); err != nil {
		return err
	}
	start := s.stageStart()
	err := s.store.ForUser(userID).ClearQuiz(ctx, section, module)
	s.observeStage(ctx, MetricsOpQuizClear, MetricsStageTotal, start, 0, err != nil)
	return err
}

// DeleteByIdentity removes a single attempt by its identity key
func (s *ProgressService) DeleteByIdentity(ctx context.Context, userID string, kind scores.Kind, identity string) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	id, err := parseIdentity(kind, identity)
	if err != nil {
		return 0, err
	}
	start := s.stageStart()
	n, err := s.store.ForUser(userID).DeleteByIdentity(ctx, kind, id)
	s.observeStage(ctx, MetricsOpDeleteIdentity, MetricsStageTotal, start, n, err != nil)
	return n, err
}
