// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsOpProgressList   = "progress_list"
	MetricsOpProgressUpload = "progress_upload"
	MetricsOpProgressClear  = "progress_clear"
	MetricsOpQuizList       = "quiz_list"
	MetricsOpQuizAppend     = "quiz_append"
	MetricsOpQuizClear      = "quiz_clear"
	MetricsOpDeleteIdentity = "delete_identity"

	MetricsStageTotal    = "total"
	MetricsStageValidate = "validate"
	MetricsStageStore    = "store"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// PrometheusRecorder exports stage timings as Prometheus metrics
type PrometheusRecorder struct {
	stageDuration *prometheus.HistogramVec
	records       *prometheus.CounterVec
}

// NewPrometheusRecorder registers the scoresync collectors with reg.
// A nil reg uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scoresync_stage_duration_seconds",
			Help:    "Duration of progress service stages",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op", "stage", "error"}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scoresync_records_total",
			Help: "Total records handled by operation",
		}, []string{"op"}),
	}
}

// ObserveStage implements StageMetricsRecorder
func (p *PrometheusRecorder) ObserveStage(_ context.Context, timing StageTiming) {
	p.stageDuration.WithLabelValues(timing.Operation, timing.Stage, strconv.FormatBool(timing.Error)).
		Observe(timing.Duration.Seconds())
	if timing.Stage == MetricsStageTotal && !timing.Error && timing.Count > 0 {
		p.records.WithLabelValues(timing.Operation).Add(float64(timing.Count))
	}
}

func (s *ProgressService) stageTimingEnabled() bool {
	if s == nil || s.config == nil {
		return false
	}
	return s.config.StageMetrics != nil || s.config.LogStageTimings
}

func (s *ProgressService) stageStart() time.Time {
	if !s.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *ProgressService) observeStage(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() || s == nil || s.config == nil {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}

	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings && s.logger != nil {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
