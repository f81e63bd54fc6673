// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scorelite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mobiletoly/go-scoresync/scores"
	"github.com/mobiletoly/go-scoresync/scoresync"
)

var (
	// ErrUnauthenticated means no usable credentials: the call was not made or got a 401
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoToken may be returned by a TokenFunc when the user is signed out
	ErrNoToken = errors.New("no auth token")
)

// RejectedError is a 400 response: the payload is invalid and must not be retried
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by server: %s: %s", e.Code, e.Message)
}

// TransientError covers network failures, 5xx responses and undecodable bodies
type TransientError struct {
	Op     string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: server returned status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Remote is the authoritative store as seen from the client
type Remote interface {
	// FetchAll returns every remote attempt of kind
	FetchAll(ctx context.Context, kind scores.Kind) (scores.RecordSet, error)
	// Append pushes attempts; attempts[:acked] were acknowledged even when err != nil
	Append(ctx context.Context, kind scores.Kind, attempts scores.RecordSet) (acked int, err error)
	// Clear deletes every remote attempt of kind, or one group when group is set
	Clear(ctx context.Context, kind scores.Kind, group *scores.GroupKey) error
	// DeleteByIdentity deletes a single remote attempt
	DeleteByIdentity(ctx context.Context, attempt scores.Attempt) error
}

// TokenFunc returns the bearer token for the signed-in user
type TokenFunc func(ctx context.Context) (string, error)

// HTTPRemote talks to the /progress and /quiz-scores endpoints
type HTTPRemote struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewHTTPRemote creates a remote client. A nil httpClient gets a 30s timeout.
func NewHTTPRemote(baseURL string, token TokenFunc, httpClient *http.Client, logger *slog.Logger) *HTTPRemote {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    httpClient,
		logger:  logger,
		now:     time.Now,
	}
}

func kindPath(kind scores.Kind) string {
	if kind == scores.KindQuiz {
		return "/quiz-scores"
	}
	return "/progress"
}

// FetchAll implements Remote
func (r *HTTPRemote) FetchAll(ctx context.Context, kind scores.Kind) (scores.RecordSet, error) {
	var out scores.RecordSet
	keep := func(a scores.Attempt) {
		if err := a.Validate(); err != nil {
			r.logger.Warn("Skipping invalid remote attempt", "identity", a.Identity(), "error", err)
			return
		}
		out = append(out, a)
	}

	switch kind {
	case scores.KindPractice:
		var resp scoresync.ProgressListResponse
		if err := r.do(ctx, http.MethodGet, "/progress", nil, nil, &resp); err != nil {
			return nil, err
		}
		for _, e := range resp.Data {
			keep(e.ToAttempt())
		}
	case scores.KindQuiz:
		var resp scoresync.QuizScoresResponse
		if err := r.do(ctx, http.MethodGet, "/quiz-scores", nil, nil, &resp); err != nil {
			return nil, err
		}
		for label, attempts := range resp.Attempts {
			for _, q := range attempts {
				if q.Timestamp == 0 {
					r.logger.Warn("Skipping remote attempt without timestamp", "group", label)
					continue
				}
				keep(q.ToAttempt(r.now()))
			}
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	scores.SortAscending(out)
	return out, nil
}

// Append implements Remote. Practice attempts go in one batch; quiz attempts
// are posted one by one, stopping at the first failure.
func (r *HTTPRemote) Append(ctx context.Context, kind scores.Kind, attempts scores.RecordSet) (int, error) {
	if len(attempts) == 0 {
		return 0, nil
	}
	switch kind {
	case scores.KindPractice:
		req := scoresync.ProgressUploadRequest{PracticeHistory: make([]scoresync.PracticeEntry, 0, len(attempts))}
		for _, a := range attempts {
			e := scoresync.PracticeEntryFromAttempt(a)
			e.RecordedAt = nil
			req.PracticeHistory = append(req.PracticeHistory, e)
		}
		var resp scoresync.ProgressUploadResponse
		if err := r.do(ctx, http.MethodPost, "/progress", nil, req, &resp); err != nil {
			return 0, err
		}
		return len(attempts), nil
	case scores.KindQuiz:
		for i, a := range attempts {
			q := scoresync.QuizAttemptFromAttempt(a)
			q.RecordedAt = nil
			var resp scoresync.QuizAppendResponse
			if err := r.do(ctx, http.MethodPost, "/quiz-scores", nil, q, &resp); err != nil {
				return i, err
			}
		}
		return len(attempts), nil
	default:
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
}

// Clear implements Remote
func (r *HTTPRemote) Clear(ctx context.Context, kind scores.Kind, group *scores.GroupKey) error {
	q := url.Values{}
	if group != nil {
		if group.Kind != kind {
			return fmt.Errorf("group %s does not belong to kind %s", group.String(), kind)
		}
		if kind == scores.KindQuiz {
			q.Set("sectionId", group.Section)
			q.Set("moduleId", group.Module)
		} else {
			q.Set("task", group.Task)
		}
	}
	var resp scoresync.DeleteResponse
	return r.do(ctx, http.MethodDelete, kindPath(kind), q, nil, &resp)
}

// DeleteByIdentity implements Remote
func (r *HTTPRemote) DeleteByIdentity(ctx context.Context, attempt scores.Attempt) error {
	q := url.Values{}
	q.Set("identity", string(attempt.Identity()))
	var resp scoresync.DeleteResponse
	return r.do(ctx, http.MethodDelete, kindPath(attempt.Group.Kind), q, nil, &resp)
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path
	if r.Token == nil {
		return ErrUnauthenticated
	}
	token, err := r.Token(ctx)
	if errors.Is(err, ErrNoToken) || (err == nil && token == "") {
		return ErrUnauthenticated
	}
	if err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("failed to get token: %w", err)}
	}

	target := r.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case resp.StatusCode == http.StatusBadRequest:
		var errResp scoresync.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &RejectedError{Code: errResp.Error, Message: errResp.Message}
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransientError{Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}
