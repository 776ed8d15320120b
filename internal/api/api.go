package api

// Coworker is a sandboxed workspace agent service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api implements the control-plane HTTP endpoints: handshake,
// tool catalog, job submission and status, result retrieval, and plan
// approval. It is pure translation over the store, registry, and
// approval service; API errors never mutate jobs.
//
// Endpoints:
//   - POST /handshake
//   - GET  /tools
//   - POST /jobs
//   - GET  /jobs/{id}
//   - GET  /jobs/{id}/result
//   - POST /approve
import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"coworker/internal/approval"
	"coworker/internal/clock"
	"coworker/internal/metrics"
	"coworker/internal/store"
	"coworker/internal/tools"
	"coworker/pkg/coworker"
)

// Store defines the persistence methods the API needs.
type Store interface {
	CreateSession(ctx context.Context, sessionID, token string, nowMS int64) error
	GetSessionToken(ctx context.Context, sessionID string) (string, error)
	UpsertJobIfNew(ctx context.Context, job *coworker.Job) (bool, string, error)
	GetJob(ctx context.Context, id string) (*coworker.Job, error)
	GetResult(ctx context.Context, jobID string) (*coworker.Result, error)
}

// Approver mints approval tokens.
type Approver interface {
	ApprovePlan(ctx context.Context, planJobID string, ttlSeconds int) (*approval.Grant, error)
	ApproveAction(ctx context.Context, action, from, to string, ttlSeconds int) (*approval.Grant, error)
}

// Handler is the control-plane HTTP layer.
type Handler struct {
	store     Store
	approvals Approver
	registry  *tools.Registry
	logger    *slog.Logger

	// DefaultRoots is substituted when a submitted job carries no
	// allowed_roots of its own.
	DefaultRoots []string

	// Now allows tests to control timestamps.
	Now func() int64
}

// New constructs a Handler with its required dependencies.
func New(st Store, approvals Approver, registry *tools.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     st,
		approvals: approvals,
		registry:  registry,
		logger:    logger,
		Now:       clock.NowMS,
	}
}

// Register attaches the API handlers to a mux under the expected routes.
// All routes but /handshake require session and token headers.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/handshake", h.handshakeHandler)
	mux.HandleFunc("/tools", h.requireSession(h.toolsHandler))
	mux.HandleFunc("/jobs", h.requireSession(h.jobsHandler))
	mux.HandleFunc("/jobs/", h.requireSession(h.jobByIDHandler))
	mux.HandleFunc("/approve", h.requireSession(h.approveHandler))
}

// --------------- Models ---------------

// HandshakeResponse carries the session credentials, returned exactly once.
type HandshakeResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// SubmitJobRequest is the payload for POST /jobs.
type SubmitJobRequest struct {
	DedupeKey     string            `json:"dedupe_key"`
	Type          int               `json:"type"`
	AllowedRoots  []string          `json:"allowed_roots"`
	Params        map[string]string `json:"params"`
	ApprovalToken string            `json:"approval_token,omitempty"`
}

// SubmitJobResponse is returned for POST /jobs.
type SubmitJobResponse struct {
	CreatedNew bool   `json:"created_new"`
	JobID      string `json:"job_id"`
	Status     int    `json:"status"`
}

// ApproveRequest is the payload for POST /approve. Either PlanJobID
// (plan approvals) or Action/From/To (soft_delete and restore) is set.
type ApproveRequest struct {
	PlanJobID  string `json:"plan_job_id,omitempty"`
	Action     string `json:"action,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// ToolInfo is one entry of the GET /tools catalog.
type ToolInfo struct {
	Name             string   `json:"name"`
	Type             int      `json:"type"`
	Params           []string `json:"params"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

// ResultResponse is returned for GET /jobs/{id}/result.
type ResultResponse struct {
	ContentType string `json:"content_type"`
	BytesBase64 string `json:"bytes_base64"`
}

// jsonError is the error envelope for API responses.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --------------- POST /handshake ---------------

func (h *Handler) handshakeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	sessionID := uuid.NewString()
	token, err := approval.MintToken()
	if err != nil {
		h.logger.Error("failed to mint session token", "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to create session"})
		return
	}

	if err := h.store.CreateSession(r.Context(), sessionID, token, h.Now()); err != nil {
		h.logger.Error("failed to persist session", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to create session"})
		return
	}

	writeJSON(w, http.StatusOK, HandshakeResponse{SessionID: sessionID, Token: token})
}

// --------------- GET /tools ---------------

func (h *Handler) toolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	specs := h.registry.List()
	out := make([]ToolInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, ToolInfo{
			Name:             s.Name,
			Type:             int(s.Type),
			Params:           s.Params,
			RequiresApproval: s.RequiresApproval,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// --------------- POST /jobs ---------------

func (h *Handler) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_json", Message: "Request body could not be parsed as JSON"})
		return
	}
	if strings.TrimSpace(req.DedupeKey) == "" {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "dedupe_key is required"})
		return
	}

	jobType := coworker.JobType(req.Type)
	if jobType.Mutating() && req.ApprovalToken == "" {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "approval_token is required for write jobs"})
		return
	}

	params := req.Params
	if params == nil {
		params = map[string]string{}
	}
	roots := req.AllowedRoots
	if len(roots) == 0 {
		roots = h.DefaultRoots
	}

	job := &coworker.Job{
		ID:            uuid.NewString(),
		DedupeKey:     req.DedupeKey,
		Type:          jobType,
		CreatedAtMS:   h.Now(),
		Params:        params,
		AllowedRoots:  roots,
		ApprovalToken: req.ApprovalToken,
	}

	created, effectiveID, err := h.store.UpsertJobIfNew(r.Context(), job)
	if err != nil {
		h.logger.Error("failed to submit job", "dedupe_key", req.DedupeKey, "type", req.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to create job"})
		return
	}

	if spec, ok := h.registry.Lookup(jobType); ok {
		metrics.IncJobSubmitted(spec.Name, created)
	}

	writeJSON(w, http.StatusOK, SubmitJobResponse{
		CreatedNew: created,
		JobID:      effectiveID,
		Status:     int(coworker.StatusQueued),
	})
}

// --------------- GET /jobs/{id} and /jobs/{id}/result ---------------

func (h *Handler) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	switch {
	case rest == "":
		http.NotFound(w, r)
	case strings.HasSuffix(rest, "/result"):
		id := strings.TrimSuffix(rest, "/result")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		h.handleGetResult(w, r, id)
	case strings.Contains(rest, "/"):
		http.NotFound(w, r)
	default:
		h.handleGetJob(w, r, rest)
	}
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "Job not found"})
			return
		}
		h.logger.Error("failed to load job", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	// The stored approval token is a bearer secret; the Job JSON
	// encoding deliberately omits it.
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request, id string) {
	res, err := h.store.GetResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "Result not found"})
			return
		}
		h.logger.Error("failed to load result", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{
		ContentType: res.ContentType,
		BytesBase64: base64.StdEncoding.EncodeToString(res.Bytes),
	})
}

// --------------- POST /approve ---------------

func (h *Handler) approveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_json", Message: "Request body could not be parsed as JSON"})
		return
	}
	if req.TTLSeconds == 0 {
		req.TTLSeconds = 120
	}

	var grant *approval.Grant
	var err error
	switch {
	case req.PlanJobID != "":
		grant, err = h.approvals.ApprovePlan(r.Context(), req.PlanJobID, req.TTLSeconds)
	case req.Action != "":
		grant, err = h.approvals.ApproveAction(r.Context(), req.Action, req.From, req.To, req.TTLSeconds)
	default:
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "plan_job_id or action is required"})
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrPlanNotFound):
			writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "Plan job not found"})
		case errors.Is(err, approval.ErrResultNotFound):
			writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "Plan result not found"})
		case errors.Is(err, approval.ErrPlanNotSucceeded):
			writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "Plan job is not in SUCCEEDED state"})
		case errors.Is(err, approval.ErrUnknownAction):
			writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "Unknown action"})
		default:
			h.logger.Error("failed to mint approval", "error", err)
			writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, grant)
}
