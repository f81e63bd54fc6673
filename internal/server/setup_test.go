package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-scoresync/scoresync"
)

func newMemoryTestServer(t *testing.T, config *ServerConfig) *TestServer {
	t.Helper()
	if config == nil {
		config = &ServerConfig{}
	}
	config.Store = scoresync.NewMemoryStore()
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ts, err := NewTestServer(config)
	require.NoError(t, err)
	t.Cleanup(ts.Close)
	return ts
}

func TestDummySigninGeneratesJWT(t *testing.T) {
	ts := newMemoryTestServer(t, nil)

	b, _ := json.Marshal(map[string]string{"user": "test-user", "password": "any", "device": "device-xyz"})
	resp, err := http.Post(ts.URL()+"/dummy-signin", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out signinResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)

	claims, err := ts.JWTAuth.ValidateToken(out.Token)
	require.NoError(t, err)
	require.Equal(t, "test-user", claims.Subject)
	require.Equal(t, "device-xyz", claims.DeviceID)
	require.NotNil(t, claims.ExpiresAt)
	require.Positive(t, time.Until(claims.ExpiresAt.Time))
}

func TestDummySigninRequiresUser(t *testing.T) {
	ts := newMemoryTestServer(t, nil)

	resp, err := http.Post(ts.URL()+"/dummy-signin", "application/json", strings.NewReader(`{"password":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerRoutes(t *testing.T) {
	ts := newMemoryTestServer(t, &ServerConfig{StageMetrics: true, AccessLog: true})
	token, err := ts.GenerateToken("route-user", "device-1", time.Minute)
	require.NoError(t, err)

	do := func(method, path, body string) *http.Response {
		req, err := http.NewRequest(method, ts.URL()+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp, err := http.Get(ts.URL() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(http.MethodPost, "/quiz-scores", `{"sectionId":"s1","moduleId":"m1","score":3,"total":5,"timestamp":1700000000000}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(http.MethodGet, "/quiz-scores", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var quiz scoresync.QuizScoresResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&quiz))
	require.Len(t, quiz.Attempts["s1/m1"], 1)

	resp = do(http.MethodPut, "/progress", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	unauth, err := http.Get(ts.URL() + "/progress")
	require.NoError(t, err)
	unauth.Body.Close()
	require.Equal(t, http.StatusUnauthorized, unauth.StatusCode)

	metrics, err := http.Get(ts.URL() + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	raw, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `scoresync_records_total{op="quiz_append"} 1`)
	require.Contains(t, string(raw), "scoresync_stage_duration_seconds")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAccessLogOmitsBodies(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ts := newMemoryTestServer(t, &ServerConfig{AccessLog: true, Logger: logger})
	token, err := ts.GenerateToken("log-user", "device-1", time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL()+"/quiz-scores",
		strings.NewReader(`{"sectionId":"secret-section","moduleId":"m1","score":3,"total":5,"timestamp":1700000000000}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "content_length=")
	}, time.Second, 10*time.Millisecond)

	out := logs.String()
	require.Contains(t, out, `msg="HTTP request" method=POST path=/quiz-scores status=200`)
	require.Contains(t, out, "authenticated=true")
	require.NotContains(t, out, "secret-section")
	require.NotContains(t, out, token)
}
