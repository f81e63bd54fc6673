// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mobiletoly/go-scoresync/scores"
)

const maxRequestBodyBytes = 1 << 20

// ClientAuthenticator extracts the caller's identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPProgressHandlers serves the /progress and /quiz-scores endpoints
type HTTPProgressHandlers struct {
	service       *ProgressService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPProgressHandlers creates a new instance of progress handlers
func NewHTTPProgressHandlers(service *ProgressService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPProgressHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProgressHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleProgress dispatches GET, POST and DELETE on /progress
func (h *HTTPProgressHandlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.HandleListProgress(w, r)
	case http.MethodPost:
		h.HandleUploadProgress(w, r)
	case http.MethodDelete:
		h.HandleClearProgress(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET, POST and DELETE methods are allowed")
	}
}

// HandleQuizScores dispatches GET, POST and DELETE on /quiz-scores
func (h *HTTPProgressHandlers) HandleQuizScores(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.HandleListQuiz(w, r)
	case http.MethodPost:
		h.HandleAppendQuiz(w, r)
	case http.MethodDelete:
		h.HandleClearQuiz(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET, POST and DELETE methods are allowed")
	}
}

// HandleListProgress returns the caller's practice history
func (h *HTTPProgressHandlers) HandleListProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	rs, err := h.service.ListPractice(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "list_failed", "Failed to load practice history", userID)
		return
	}
	data := make([]PracticeEntry, 0, len(rs))
	for _, a := range rs {
		data = append(data, PracticeEntryFromAttempt(a))
	}
	h.writeJSON(w, ProgressListResponse{Success: true, Data: data, Count: len(data)})
}

// HandleUploadProgress stores a batch of practice entries
func (h *HTTPProgressHandlers) HandleUploadProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req ProgressUploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse progress upload request")
		return
	}
	if req.PracticeHistory == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "practiceHistory is required")
		return
	}
	synced, err := h.service.UploadPractice(r.Context(), userID, req.PracticeHistory)
	if err != nil {
		h.writeServiceError(w, err, "upload_failed", "Failed to store practice history", userID)
		return
	}
	h.writeJSON(w, ProgressUploadResponse{Success: true, Synced: synced})
}

// HandleClearProgress deletes all practice history, one task (?task=), or one attempt (?identity=)
func (h *HTTPProgressHandlers) HandleClearProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if identity := q.Get("identity"); identity != "" {
		h.deleteByIdentity(w, r, userID, scores.KindPractice, identity)
		return
	}
	if err := h.service.ClearPractice(r.Context(), userID, q.Get("task")); err != nil {
		h.writeServiceError(w, err, "clear_failed", "Failed to clear practice history", userID)
		return
	}
	h.writeJSON(w, DeleteResponse{Success: true})
}

// HandleListQuiz returns the caller's quiz attempts keyed by "<sectionId>/<moduleId>"
func (h *HTTPProgressHandlers) HandleListQuiz(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	rs, err := h.service.ListQuiz(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "list_failed", "Failed to load quiz scores", userID)
		return
	}
	attempts := make(map[string][]QuizAttempt)
	for _, a := range rs {
		label := a.Group.Label()
		attempts[label] = append(attempts[label], QuizAttemptFromAttempt(a))
	}
	h.writeJSON(w, QuizScoresResponse{Attempts: attempts, Version: h.service.SchemaVersion()})
}

// HandleAppendQuiz stores one quiz attempt and trims its group
func (h *HTTPProgressHandlers) HandleAppendQuiz(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req QuizAttempt
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse quiz score request")
		return
	}
	stored, created, err := h.service.AppendQuiz(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err, "append_failed", "Failed to store quiz score", userID)
		return
	}
	h.writeJSON(w, QuizAppendResponse{Success: true, Attempt: QuizAttemptFromAttempt(stored), Created: created})
}

// HandleClearQuiz deletes all quiz attempts, one group (?sectionId=&moduleId=), or one attempt (?identity=)
func (h *HTTPProgressHandlers) HandleClearQuiz(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if identity := q.Get("identity"); identity != "" {
		h.deleteByIdentity(w, r, userID, scores.KindQuiz, identity)
		return
	}
	if err := h.service.ClearQuiz(r.Context(), userID, q.Get("sectionId"), q.Get("moduleId")); err != nil {
		h.writeServiceError(w, err, "clear_failed", "Failed to clear quiz scores", userID)
		return
	}
	h.writeJSON(w, DeleteResponse{Success: true})
}

func (h *HTTPProgressHandlers) deleteByIdentity(w http.ResponseWriter, r *http.Request, userID string, kind scores.Kind, identity string) {
	n, err := h.service.DeleteByIdentity(r.Context(), userID, kind, identity)
	if err != nil {
		h.writeServiceError(w, err, "delete_failed", "Failed to delete attempt", userID)
		return
	}
	h.writeJSON(w, DeleteResponse{Success: true, Deleted: &n})
}

func (h *HTTPProgressHandlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	return userID, true
}

// writeServiceError maps validation failures to 400 and hides everything else behind a 500
func (h *HTTPProgressHandlers) writeServiceError(w http.ResponseWriter, err error, code, message, userID string) {
	if errors.Is(err, ErrValidation) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.logger.Error(message, "error", err, "user_id", userID)
	h.writeError(w, http.StatusInternalServerError, code, message)
}

func (h *HTTPProgressHandlers) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPProgressHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, errorCode, message)
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error:   errorCode,
		Message: message,
	})
}
