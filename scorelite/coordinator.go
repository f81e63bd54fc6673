// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scorelite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/mobiletoly/go-scoresync/scores"
)

// SyncStatus is the coordinator's view of how far the local cache is from the server
type SyncStatus string

const (
	StatusUnsynced SyncStatus = "unsynced" // never synced, or signed out
	StatusSyncing  SyncStatus = "syncing"
	StatusSynced   SyncStatus = "synced" // merged and outbox drained
	StatusFailed   SyncStatus = "failed" // remote unavailable or outbox not drained; retried on next sync
)

// Config holds configuration for the sync coordinator
type Config struct {
	MaxHistory    int           // Attempts kept per grouping key (0 = scores.DefaultMaxHistory)
	SyncInterval  time.Duration // Background sync period used by Start
	PushBatchSize int           // Practice attempts per POST; must stay under the server's max batch size
}

// DefaultConfig returns the default coordinator configuration
func DefaultConfig() *Config {
	return &Config{
		MaxHistory:    scores.DefaultMaxHistory,
		SyncInterval:  30 * time.Second,
		PushBatchSize: 500,
	}
}

// KindReport summarizes one kind's sync pass
type KindReport struct {
	Kind    scores.Kind
	Status  SyncStatus
	Fetched int // remote attempts seen
	Kept    int // attempts cached after merge
	Evicted int // attempts dropped by retention
	Pushed  int // outbox entries acknowledged
	Queued  int // outbox entries still pending
}

// SyncReport summarizes a full sync pass
type SyncReport struct {
	Status SyncStatus
	Kinds  []KindReport
}

// Coordinator reconciles the local cache with the remote store.
// Sync, RecordAttempt and the clear operations are serialized.
type Coordinator struct {
	local  *LocalStore
	remote Remote
	config *Config
	logger *slog.Logger

	mu     sync.Mutex
	status atomic.Value // SyncStatus

	// Pause switch (atomic): suspends all remote activity
	syncPaused int32

	schedMu   sync.Mutex
	scheduler *gocron.Scheduler
}

// NewCoordinator wires a local store and a remote
func NewCoordinator(local *LocalStore, remote Remote, config *Config, logger *slog.Logger) (*Coordinator, error) {
	if local == nil || remote == nil {
		return nil, errors.New("local store and remote are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = scores.DefaultMaxHistory
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultConfig().SyncInterval
	}
	if config.PushBatchSize <= 0 {
		config.PushBatchSize = DefaultConfig().PushBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		local:  local,
		remote: remote,
		config: config,
		logger: logger,
	}
	c.status.Store(StatusUnsynced)
	return c, nil
}

// Status returns the outcome of the most recent sync
func (c *Coordinator) Status() SyncStatus {
	return c.status.Load().(SyncStatus)
}

// PauseSync suspends remote activity (Sync, drains and the background job respect this flag)
func (c *Coordinator) PauseSync() { atomic.StoreInt32(&c.syncPaused, 1) }

// ResumeSync resumes remote activity
func (c *Coordinator) ResumeSync() { atomic.StoreInt32(&c.syncPaused, 0) }

func (c *Coordinator) paused() bool { return atomic.LoadInt32(&c.syncPaused) == 1 }

// Start runs Sync immediately and then every SyncInterval until Stop
func (c *Coordinator) Start(ctx context.Context) error {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if c.scheduler != nil {
		return errors.New("coordinator already started")
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if _, err := s.Every(c.config.SyncInterval).Do(func() {
		if ctx.Err() != nil {
			return
		}
		report := c.Sync(ctx)
		c.logger.Debug("Background sync finished", "status", report.Status)
	}); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	s.StartAsync()
	c.scheduler = s
	return nil
}

// Stop terminates the background sync job
func (c *Coordinator) Stop() {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if c.scheduler != nil {
		c.scheduler.Stop()
		c.scheduler = nil
	}
}

// Sync reconciles every kind with the remote store. It never returns an error:
// network, auth and storage failures are logged and reflected in the report.
func (c *Coordinator) Sync(ctx context.Context) SyncReport {
	if c.paused() {
		return SyncReport{Status: c.Status()}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.Store(StatusSyncing)
	report := SyncReport{Status: StatusSynced}
	for _, kind := range scores.Kinds {
		kr := c.syncKind(ctx, kind)
		report.Kinds = append(report.Kinds, kr)
		report.Status = worseStatus(report.Status, kr.Status)
		if kr.Status == StatusUnsynced {
			break
		}
	}
	c.status.Store(report.Status)
	return report
}

func worseStatus(a, b SyncStatus) SyncStatus {
	rank := map[SyncStatus]int{StatusSynced: 0, StatusFailed: 1, StatusUnsynced: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// syncKind performs fetch, merge, persist, evict, enqueue and drain for one kind; caller holds c.mu
func (c *Coordinator) syncKind(ctx context.Context, kind scores.Kind) KindReport {
	kr := KindReport{Kind: kind}

	remote, err := c.remote.FetchAll(ctx, kind)
	if err != nil {
		kr.Status = c.classify(kind, "fetch", err)
		kr.Queued = c.queued(ctx, kind)
		return kr
	}
	kr.Fetched = len(remote)

	keys := c.local.Keys(ctx, kind)
	var local scores.RecordSet
	for _, key := range keys {
		local = append(local, c.local.Load(ctx, key)...)
	}

	result := scores.Merge(local, remote, c.config.MaxHistory)
	kr.Evicted = len(result.Evicted)

	var synced []scores.IdentityKey
	for group, set := range result.Merged {
		c.local.Save(ctx, group, set)
		kr.Kept += len(set)
		for _, a := range set {
			if a.State == scores.StateSynced {
				synced = append(synced, a.Identity())
			}
		}
	}
	for _, key := range keys {
		if _, ok := result.Merged[key]; !ok {
			c.local.Delete(ctx, key)
		}
	}

	for _, a := range result.RemoteEvictions {
		if err := c.remote.DeleteByIdentity(ctx, a); err != nil {
			c.logger.Debug("Remote eviction failed", "identity", a.Identity(), "error", err)
		}
	}

	dropped := append(synced, identities(result.Evicted)...)
	if err := c.local.Ack(ctx, dropped); err != nil {
		c.logger.Warn("Failed to prune outbox", "kind", kind, "error", err)
	}
	if err := c.local.Enqueue(ctx, result.Pending); err != nil {
		c.logger.Warn("Failed to enqueue pending attempts", "kind", kind, "count", len(result.Pending), "error", err)
	}

	pushed, status := c.drain(ctx, kind)
	kr.Pushed = pushed
	kr.Status = status
	kr.Queued = c.queued(ctx, kind)
	if status == StatusSynced && kr.Queued > 0 {
		kr.Status = StatusFailed
	}
	return kr
}

// drain pushes queued attempts of kind once; caller holds c.mu
func (c *Coordinator) drain(ctx context.Context, kind scores.Kind) (int, SyncStatus) {
	if c.paused() {
		return 0, StatusFailed
	}
	entries, err := c.local.Outbox(ctx, kind)
	if err != nil {
		c.logger.Warn("Failed to read outbox", "kind", kind, "error", err)
		return 0, StatusFailed
	}
	if len(entries) == 0 {
		return 0, StatusSynced
	}

	// practice goes in chunks, quiz one attempt per request
	size := 1
	if kind == scores.KindPractice {
		size = c.config.PushBatchSize
	}
	var batches []scores.RecordSet
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		batch := make(scores.RecordSet, 0, end-start)
		for _, e := range entries[start:end] {
			batch = append(batch, e.Attempt)
		}
		batches = append(batches, batch)
	}

	pushed := 0
	status := StatusSynced
	for _, batch := range batches {
		acked, err := c.remote.Append(ctx, kind, batch)
		if acked > 0 {
			c.ack(ctx, batch[:acked])
			pushed += acked
		}
		if err == nil {
			continue
		}

		rest := batch[acked:]
		var rejected *RejectedError
		switch {
		case errors.Is(err, ErrUnauthenticated):
			c.logger.Info("Push skipped, not signed in", "kind", kind, "pending", len(rest))
			return pushed, StatusUnsynced
		case errors.As(err, &rejected):
			c.logger.Warn("Server rejected attempts, dropping from outbox", "kind", kind, "count", len(rest), "error", err)
			if ackErr := c.local.Ack(ctx, identities(rest)); ackErr != nil {
				c.logger.Warn("Failed to drop rejected attempts", "error", ackErr)
			}
			c.markState(ctx, rest, scores.StateFailed)
			status = StatusFailed
		default:
			c.logger.Warn("Push failed, will retry on next sync", "kind", kind, "count", len(rest), "error", err)
			if retryErr := c.local.MarkRetry(ctx, identities(rest), err); retryErr != nil {
				c.logger.Warn("Failed to record push failure", "error", retryErr)
			}
			c.markState(ctx, rest, scores.StateFailed)
			status = StatusFailed
			if ctx.Err() != nil {
				return pushed, status
			}
		}
	}
	return pushed, status
}

func (c *Coordinator) ack(ctx context.Context, attempts scores.RecordSet) {
	if err := c.local.Ack(ctx, identities(attempts)); err != nil {
		c.logger.Warn("Failed to ack outbox rows", "count", len(attempts), "error", err)
	}
	c.markState(ctx, attempts, scores.StateSynced)
}

// markState updates the cached sync state of the given attempts
func (c *Coordinator) markState(ctx context.Context, attempts scores.RecordSet, state scores.SyncState) {
	for group, set := range attempts.ByGroup() {
		ids := set.Identities()
		cached := c.local.Load(ctx, group)
		changed := false
		for i := range cached {
			if _, ok := ids[cached[i].Identity()]; ok && cached[i].State != state {
				cached[i].State = state
				changed = true
			}
		}
		if changed {
			c.local.Save(ctx, group, cached)
		}
	}
}

func (c *Coordinator) classify(kind scores.Kind, op string, err error) SyncStatus {
	if errors.Is(err, ErrUnauthenticated) {
		c.logger.Info("Sync skipped, not signed in", "kind", kind, "op", op)
		return StatusUnsynced
	}
	c.logger.Warn("Remote unavailable, keeping local data", "kind", kind, "op", op, "error", err)
	return StatusFailed
}

func (c *Coordinator) queued(ctx context.Context, kind scores.Kind) int {
	entries, err := c.local.Outbox(ctx, kind)
	if err != nil {
		return 0
	}
	return len(entries)
}

// RecordAttempt stores a new attempt locally and queues it for upload.
// Only validation failures are returned; push failures leave the attempt queued.
func (c *Coordinator) RecordAttempt(ctx context.Context, attempt scores.Attempt) error {
	attempt = scores.NewAttempt(attempt.Group, attempt.Score, attempt.Total, attempt.Timestamp)
	if err := attempt.Validate(); err != nil {
		return err
	}
	attempt.ObservedAt = scores.TruncateMillis(time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	set := scores.Union(c.local.Load(ctx, attempt.Group), scores.RecordSet{attempt})
	kept, evicted := scores.Retain(set, c.config.MaxHistory)
	c.local.Save(ctx, attempt.Group, kept[attempt.Group])
	if err := c.local.Ack(ctx, identities(evicted)); err != nil {
		c.logger.Warn("Failed to prune outbox", "error", err)
	}
	if kept[attempt.Group].Contains(attempt.Identity()) {
		if err := c.local.Enqueue(ctx, scores.RecordSet{attempt}); err != nil {
			c.logger.Warn("Failed to enqueue attempt, next sync will pick it up", "identity", attempt.Identity(), "error", err)
		}
	}

	if !c.paused() {
		if _, status := c.drain(ctx, attempt.Group.Kind); status != StatusSynced {
			c.status.Store(worseStatus(c.Status(), status))
		}
	}
	return nil
}

// ClearAll removes attempts of kind, or only one group when group is set.
// Local data is cleared immediately; the remote clear is attempted once.
func (c *Coordinator) ClearAll(ctx context.Context, kind scores.Kind, group *scores.GroupKey) error {
	if group != nil {
		if err := group.Validate(); err != nil {
			return err
		}
		if group.Kind != kind {
			return fmt.Errorf("%w: group %s does not belong to kind %s", scores.ErrInvalidAttempt, group.String(), kind)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if group != nil {
		c.local.Delete(ctx, *group)
	} else {
		c.local.DeleteKind(ctx, kind)
	}
	if err := c.local.ClearOutbox(ctx, kind, group); err != nil {
		c.logger.Warn("Failed to clear outbox", "kind", kind, "error", err)
	}

	if c.paused() {
		return nil
	}
	if err := c.remote.Clear(ctx, kind, group); err != nil {
		c.logger.Warn("Remote clear failed", "kind", kind, "error", err)
	}
	return nil
}

// ClearEverything removes all attempts of every kind, locally and (best-effort) remotely
func (c *Coordinator) ClearEverything(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.local.DeleteAll(ctx)
	if err := c.local.ClearOutbox(ctx, "", nil); err != nil {
		c.logger.Warn("Failed to clear outbox", "error", err)
	}
	if c.paused() {
		return
	}
	for _, kind := range scores.Kinds {
		if err := c.remote.Clear(ctx, kind, nil); err != nil {
			c.logger.Warn("Remote clear failed", "kind", kind, "error", err)
		}
	}
}

// Pending lists queued attempts of every kind
func (c *Coordinator) Pending(ctx context.Context) ([]OutboxEntry, error) {
	return c.local.Outbox(ctx, "")
}

// Records returns the cached attempts of kind, grouped and ascending by timestamp
func (c *Coordinator) Records(ctx context.Context, kind scores.Kind) scores.RecordSet {
	var out scores.RecordSet
	for _, key := range c.local.Keys(ctx, kind) {
		out = append(out, c.local.Load(ctx, key)...)
	}
	return out
}

func identities(rs scores.RecordSet) []scores.IdentityKey {
	ids := make([]scores.IdentityKey, 0, len(rs))
	for _, a := range rs {
		ids = append(ids, a.Identity())
	}
	return ids
}
