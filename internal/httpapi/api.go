// ABOUTME: HTTP API handlers for submitting triggers and observing runs.
// ABOUTME: Provides POST /api/submit plus run wait, abort, and queue depth endpoints.

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/loom-gateway/internal/coordinator"
	"github.com/2389/loom-gateway/internal/followup"
	"github.com/2389/loom-gateway/internal/sessionkey"
)

// defaultWaitTimeout bounds GET /api/runs/{id} when no timeout_ms is given.
const defaultWaitTimeout = 30 * time.Second

// maxWaitTimeout caps client-supplied wait timeouts.
const maxWaitTimeout = 5 * time.Minute

// SubmitRequest is the JSON request body for POST /api/submit. Callers either
// name a session_key directly or supply a provider/chat identity that is
// resolved to one.
type SubmitRequest struct {
	SessionKey string `json:"session_key,omitempty"`
	Provider   string `json:"provider,omitempty"`
	ChatKind   string `json:"chat_kind,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`

	Prompt         string `json:"prompt"`
	MessageID      string `json:"message_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"account_id,omitempty"`

	Model          string `json:"model,omitempty"`
	ThinkingLevel  string `json:"thinking_level,omitempty"`
	VerboseLevel   string `json:"verbose_level,omitempty"`
	ReasoningLevel string `json:"reasoning_level,omitempty"`
	Synthetic      bool   `json:"synthetic,omitempty"`
}

// SubmitResponse is the JSON response for POST /api/submit.
type SubmitResponse struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	SessionKey string `json:"session_key"`
	Error      string `json:"error,omitempty"`
}

// RunResponse is the JSON response for GET /api/runs/{id}.
type RunResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at,omitempty"`
	EndedAt   string `json:"ended_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AbortResponse is the JSON response for POST /api/runs/{id}/abort.
type AbortResponse struct {
	RunID   string `json:"run_id"`
	Aborted bool   `json:"aborted"`
}

// QueueResponse is the JSON response for GET /api/queue.
type QueueResponse struct {
	SessionKey string `json:"session_key"`
	Depth      int    `json:"depth"`
	Class      string `json:"class"`
}

// Server serves the coordinator API over HTTP.
type Server struct {
	coord   *coordinator.Coordinator
	mainKey string
	logger  *slog.Logger
}

// NewServer creates an API server for the given coordinator. mainKey is the
// agent's main session key that direct chats resolve onto.
func NewServer(coord *coordinator.Coordinator, mainKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coord:   coord,
		mainKey: mainKey,
		logger:  logger.With("component", "httpapi"),
	}
}

// Handler returns the routed HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/submit", s.handleSubmit)
	mux.HandleFunc("/api/runs/", s.handleRunRoutes)
	mux.HandleFunc("/api/queue", s.handleQueue)
	return mux
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSubmit handles POST /api/submit requests. The trigger is accepted
// (202), deduplicated onto an existing run (202 with that run's id), or
// rejected when the key's queue is full (429).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	key := req.SessionKey
	if key == "" {
		if req.Provider == "" || req.ChatID == "" {
			s.sendJSONError(w, http.StatusBadRequest, "must specify session_key or provider+chat_id")
			return
		}
		key = sessionkey.Resolve(sessionkey.Identity{
			Provider: req.Provider,
			Kind:     req.ChatKind,
			ChatID:   req.ChatID,
		}, s.mainKey)
	}

	result, err := s.coord.Submit(r.Context(), coordinator.SubmitRequest{
		SessionKey:     key,
		Prompt:         req.Prompt,
		IdempotencyKey: req.IdempotencyKey,
		MessageID:      req.MessageID,
		Route: followup.Route{
			Channel:   req.Channel,
			To:        req.To,
			AccountID: req.AccountID,
		},
		Params: followup.RunParams{
			Model:          req.Model,
			ThinkingLevel:  req.ThinkingLevel,
			VerboseLevel:   req.VerboseLevel,
			ReasoningLevel: req.ReasoningLevel,
			Synthetic:      req.Synthetic,
		},
	})

	var verr *coordinator.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendJSONError(w, http.StatusBadRequest, verr.Error())
		return
	case errors.Is(err, coordinator.ErrQueueFull):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(SubmitResponse{
			RunID:      result.RunID,
			Status:     result.Status,
			SessionKey: key,
			Error:      result.Error,
		})
		return
	case err != nil:
		s.logger.Error("submit failed", "error", err, "session_key", key)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitResponse{
		RunID:      result.RunID,
		Status:     result.Status,
		SessionKey: key,
		Error:      result.Error,
	})
}

// handleRunRoutes dispatches /api/runs/{id} and /api/runs/{id}/abort.
func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if rest == "" {
		s.sendJSONError(w, http.StatusBadRequest, "run id is required")
		return
	}

	if runID, ok := strings.CutSuffix(rest, "/abort"); ok {
		s.handleAbort(w, r, runID)
		return
	}
	if strings.Contains(rest, "/") {
		s.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.handleWait(w, r, rest)
}

// handleWait handles GET /api/runs/{id}. Blocks until the run reaches a
// terminal status or the timeout elapses; a timeout reports status "timeout"
// with 200, not an error.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "timeout_ms must be a non-negative integer")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}
	}

	result := s.coord.Wait(r.Context(), runID, timeout)

	resp := RunResponse{
		RunID:  runID,
		Status: result.Status,
		Error:  result.Error,
	}
	if !result.StartedAt.IsZero() {
		resp.StartedAt = result.StartedAt.Format(time.RFC3339)
	}
	if !result.EndedAt.IsZero() {
		resp.EndedAt = result.EndedAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleAbort handles POST /api/runs/{id}/abort.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if runID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "run id is required")
		return
	}

	aborted := s.coord.Abort(runID)
	if !aborted {
		s.sendJSONError(w, http.StatusNotFound, "run not found or already finished")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AbortResponse{RunID: runID, Aborted: true})
}

// handleQueue handles GET /api/queue?session_key=K.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("session_key")
	if key == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session_key query param required")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueueResponse{
		SessionKey: key,
		Depth:      s.coord.Depth(key),
		Class:      sessionkey.Classify(key).String(),
	})
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
