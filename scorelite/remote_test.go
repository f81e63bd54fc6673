package scorelite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/mobiletoly/go-scoresync/scores"
	"github.com/mobiletoly/go-scoresync/scoresync"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(t *testing.T, status int, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

func staticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

func newTestRemote(token TokenFunc, rt roundTripFunc) *HTTPRemote {
	return NewHTTPRemote("http://scores.test/", token, &http.Client{Transport: rt}, quietLogger())
}

func TestHTTPRemote_NoTokenSkipsNetwork(t *testing.T) {
	var calls int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("should not be called")
	})

	for _, token := range []TokenFunc{
		nil,
		staticToken(""),
		func(context.Context) (string, error) { return "", ErrNoToken },
	} {
		_, err := newTestRemote(token, rt).FetchAll(context.Background(), scores.KindPractice)
		require.ErrorIs(t, err, ErrUnauthenticated)
	}
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestHTTPRemote_ErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		rt    roundTripFunc
		check func(t *testing.T, err error)
	}{
		{
			name: "401",
			rt: func(r *http.Request) (*http.Response, error) {
				return jsonResponse(t, http.StatusUnauthorized, scoresync.ErrorResponse{Error: "authentication_failed"}), nil
			},
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, ErrUnauthenticated) },
		},
		{
			name: "400",
			rt: func(r *http.Request) (*http.Response, error) {
				return jsonResponse(t, http.StatusBadRequest, scoresync.ErrorResponse{Error: "invalid_request", Message: "bad score"}), nil
			},
			check: func(t *testing.T, err error) {
				var rejected *RejectedError
				require.ErrorAs(t, err, &rejected)
				require.Equal(t, "invalid_request", rejected.Code)
				require.Equal(t, "bad score", rejected.Message)
			},
		},
		{
			name: "500",
			rt: func(r *http.Request) (*http.Response, error) {
				return jsonResponse(t, http.StatusInternalServerError, scoresync.ErrorResponse{Error: "list_failed"}), nil
			},
			check: func(t *testing.T, err error) {
				var transient *TransientError
				require.ErrorAs(t, err, &transient)
				require.Equal(t, http.StatusInternalServerError, transient.Status)
			},
		},
		{
			name: "network",
			rt: func(r *http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			},
			check: func(t *testing.T, err error) {
				var transient *TransientError
				require.ErrorAs(t, err, &transient)
				require.Zero(t, transient.Status)
			},
		},
		{
			name: "garbage body",
			rt: func(r *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString("<html>"))}, nil
			},
			check: func(t *testing.T, err error) {
				var transient *TransientError
				require.ErrorAs(t, err, &transient)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestRemote(staticToken("tok"), tt.rt).FetchAll(context.Background(), scores.KindPractice)
			tt.check(t, err)
		})
	}
}

func TestHTTPRemote_AppendPracticeBatch(t *testing.T) {
	var got scoresync.ProgressUploadRequest
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/progress", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		return jsonResponse(t, http.StatusOK, scoresync.ProgressUploadResponse{Success: true, Synced: len(got.PracticeHistory)}), nil
	})

	batch := scores.RecordSet{practiceAt("a", 1, 0), practiceAt("b", 2, 0)}
	acked, err := newTestRemote(staticToken("tok"), rt).Append(context.Background(), scores.KindPractice, batch)
	require.NoError(t, err)
	require.Equal(t, 2, acked)
	require.Len(t, got.PracticeHistory, 2)
	require.Equal(t, testBase.UnixMilli(), got.PracticeHistory[0].Timestamp)
	require.Nil(t, got.PracticeHistory[0].RecordedAt)
}

func TestHTTPRemote_AppendQuizStopsAtFirstFailure(t *testing.T) {
	var posts int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/quiz-scores", r.URL.Path)
		if atomic.AddInt32(&posts, 1) == 2 {
			return nil, errors.New("network down")
		}
		var q scoresync.QuizAttempt
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		require.NotZero(t, q.Timestamp)
		return jsonResponse(t, http.StatusOK, scoresync.QuizAppendResponse{Success: true, Attempt: q, Created: true}), nil
	})

	batch := scores.RecordSet{quizAt("s", "m", 1, 0), quizAt("s", "m", 2, 1), quizAt("s", "m", 3, 2)}
	acked, err := newTestRemote(staticToken("tok"), rt).Append(context.Background(), scores.KindQuiz, batch)
	require.Error(t, err)
	require.Equal(t, 1, acked)
	require.EqualValues(t, 2, atomic.LoadInt32(&posts))
}

func TestHTTPRemote_FetchQuiz(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodGet, r.Method)
		return jsonResponse(t, http.StatusOK, scoresync.QuizScoresResponse{
			Version: 1,
			Attempts: map[string][]scoresync.QuizAttempt{
				"s1/m1": {
					{SectionID: "s1", ModuleID: "m1", Score: 2, Total: 4, Timestamp: testBase.UnixMilli() + 10},
					{SectionID: "s1", ModuleID: "m1", Score: 3, Total: 4, Timestamp: testBase.UnixMilli()},
				},
				"s2/m1": {
					{SectionID: "s2", ModuleID: "m1", Score: 9, Total: 4, Timestamp: testBase.UnixMilli()}, // invalid, skipped
				},
			},
		}), nil
	})

	rs, err := newTestRemote(staticToken("tok"), rt).FetchAll(context.Background(), scores.KindQuiz)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	require.Equal(t, 3, rs[0].Score)
	require.Equal(t, scores.QuizKey("s1", "m1"), rs[0].Group)
}

func TestHTTPRemote_ClearAndDeleteQueries(t *testing.T) {
	var seen []string
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodDelete, r.Method)
		seen = append(seen, r.URL.Path+"?"+r.URL.RawQuery)
		return jsonResponse(t, http.StatusOK, scoresync.DeleteResponse{Success: true}), nil
	})
	remote := newTestRemote(staticToken("tok"), rt)
	ctx := context.Background()

	require.NoError(t, remote.Clear(ctx, scores.KindPractice, nil))
	task := scores.PracticeKey("reading")
	require.NoError(t, remote.Clear(ctx, scores.KindPractice, &task))
	quiz := scores.QuizKey("s1", "m1")
	require.NoError(t, remote.Clear(ctx, scores.KindQuiz, &quiz))
	require.Error(t, remote.Clear(ctx, scores.KindPractice, &quiz))
	require.NoError(t, remote.DeleteByIdentity(ctx, quizAt("s1", "m1", 1, 0)))

	require.Equal(t, []string{
		"/progress?",
		"/progress?task=reading",
		"/quiz-scores?moduleId=m1&sectionId=s1",
		"/quiz-scores?identity=quiz%3As1%2Fm1%401700000000000",
	}, seen)
}
