package scoresync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/mobiletoly/go-scoresync/scores"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestProgressService_Defaults(t *testing.T) {
	svc, err := NewProgressService(NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, scores.DefaultMaxHistory, svc.MaxHistory())
	require.Equal(t, 1, svc.SchemaVersion())

	_, err = NewProgressService(nil, nil, nil)
	require.Error(t, err)
}

func TestProgressService_BatchTooLargeIsRejected(t *testing.T) {
	svc, err := NewProgressService(NewMemoryStore(), &ServiceConfig{MaxBatchSize: 1}, slog.Default())
	require.NoError(t, err)

	_, err = svc.UploadPractice(context.Background(), "user", []PracticeEntry{
		{Task: "t", Score: 1, Total: 2, Timestamp: baseMillis},
		{Task: "t", Score: 1, Total: 2, Timestamp: baseMillis + 1},
	})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestProgressService_ClosedRejectsCalls(t *testing.T) {
	svc, err := NewProgressService(NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err = svc.ListPractice(context.Background(), "user")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrValidation))
}

func TestProgressService_StageMetrics(t *testing.T) {
	var mu sync.Mutex
	var timings []StageTiming
	svc, err := NewProgressService(NewMemoryStore(), &ServiceConfig{
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
			mu.Lock()
			defer mu.Unlock()
			timings = append(timings, timing)
		}),
	}, nil)
	require.NoError(t, err)

	n, err := svc.UploadPractice(context.Background(), "user", []PracticeEntry{{Task: "t", Score: 1, Total: 2, Timestamp: baseMillis}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var stages []string
	for _, tm := range timings {
		require.Equal(t, MetricsOpProgressUpload, tm.Operation)
		require.False(t, tm.Error)
		stages = append(stages, tm.Stage)
	}
	require.Equal(t, []string{MetricsStageValidate, MetricsStageStore, MetricsStageTotal}, stages)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)
	svc, err := NewProgressService(NewMemoryStore(), &ServiceConfig{StageMetrics: rec}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := svc.AppendQuiz(context.Background(), "user", QuizAttempt{SectionID: "s", ModuleID: "m", Score: 1, Total: 1, Timestamp: baseMillis + int64(i)})
		require.NoError(t, err)
	}

	require.Equal(t, 3.0, testutil.ToFloat64(rec.records.WithLabelValues(MetricsOpQuizAppend)))
	count, err := testutil.GatherAndCount(reg, "scoresync_stage_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestParseIdentity(t *testing.T) {
	id, err := parseIdentity(scores.KindPractice, "practice:reading@1700000000000")
	require.NoError(t, err)
	require.Equal(t, scores.IdentityKey("practice:reading@1700000000000"), id)

	for _, raw := range []string{"", "@", "practice:reading@", "practice:reading@abc", "quiz:s/m@1", "practice:@5", "nokind@5"} {
		_, err := parseIdentity(scores.KindPractice, raw)
		require.ErrorIs(t, err, ErrValidation, raw)
	}
}
