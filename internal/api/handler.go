package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/webhook"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// assessmentCacheTTL bounds the read-through cache for stored assessments.
const assessmentCacheTTL = 10 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *engine.Engine
	policies *policy.Engine
	notifier *webhook.Notifier
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, policies *policy.Engine, notifier *webhook.Notifier, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   eng,
		policies: policies,
		notifier: notifier,
		version:  version,
	}
}

// AssessRequest is the request body for POST /assess and POST /assess/async.
type AssessRequest struct {
	Identity        *domain.IdentityContext `json:"identity"`
	Event           *domain.ActivityEvent   `json:"event"`
	PrivilegeChange *domain.PrivilegeChange `json:"privilegeChange,omitempty"`
}

// Assess handles POST /assess: synchronous scoring.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req AssessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Fill the event's trace from the request context when the client did
	// not carry one.
	if req.Event != nil && req.Event.TraceID == "" {
		req.Event.TraceID = GetTraceID(ctx)
	}

	assessment, err := h.engine.Assess(ctx, req.Identity, req.Event, req.PrivilegeChange)
	if err != nil {
		writeError(w, err)
		return
	}

	signals := make(map[string]float64, len(assessment.Signals))
	for _, s := range assessment.Signals {
		signals[s.Name] = s.Value
	}
	metrics.ObserveAssessment(string(assessment.Action), assessment.TotalScore, signals, time.Since(start), assessment.EscalatedBy)
	if assessment.Action == domain.ActionFreeze {
		metrics.AccountsFrozenTotal.WithLabelValues("assessment").Inc()
	}

	if h.repo != nil {
		if err := h.repo.SaveAssessment(ctx, assessment); err != nil {
			slog.Error("failed to save assessment", "assessment_id", assessment.ID, "error", err)
		}
	}

	if h.bus != nil {
		payload, _ := json.Marshal(assessment)
		if err := h.bus.Publish(ctx, domain.TopicAssessCompleted, payload); err != nil {
			slog.Error("failed to publish assessment result", "assessment_id", assessment.ID, "error", err)
		}
		if assessment.Action != domain.ActionAllow {
			if err := h.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
				slog.Error("failed to publish alert", "assessment_id", assessment.ID, "error", err)
			}
		}
	}

	h.notifier.Notify(assessment)

	writeJSON(w, http.StatusOK, assessment)
}

// AssessAsync handles POST /assess/async: the request is enqueued on the
// bus and a task id is returned for polling.
func (h *Handler) AssessAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Identity == nil || req.Event == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "identity and event are required",
		})
		return
	}
	if req.Event.TraceID == "" {
		req.Event.TraceID = GetTraceID(ctx)
	}

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	requestID := uuid.New().String()
	payload, err := json.Marshal(worker.AssessRequest{
		RequestID:       requestID,
		Identity:        req.Identity,
		Event:           req.Event,
		PrivilegeChange: req.PrivilegeChange,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode request",
		})
		return
	}

	if h.cache != nil {
		pending, _ := json.Marshal(worker.TaskStatus{RequestID: requestID, State: "pending"})
		_ = h.cache.Set(ctx, worker.StatusKey(requestID), pending, time.Hour)
	}

	if err := h.bus.Publish(ctx, domain.TopicAssessRequested, payload); err != nil {
		slog.Error("failed to enqueue assessment", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to enqueue assessment",
		})
		return
	}
	metrics.AsyncQueueDepth.Inc()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": requestID,
		"status":    "pending",
	})
}

// GetTask handles GET /tasks/{id}: async request status.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	if requestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "task id is required",
		})
		return
	}

	if h.cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "cache not available",
		})
		return
	}

	data, err := h.cache.Get(r.Context(), worker.StatusKey(requestID))
	if err != nil {
		slog.Error("failed to read task status", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to read task status",
		})
		return
	}
	if data == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "task not found",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetAssessment handles GET /assessments/{id} with cache read-through.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "assessment id is required",
		})
		return
	}

	cacheKey := "assessment:" + id
	if h.cache != nil {
		if data, err := h.cache.Get(ctx, cacheKey); err == nil && data != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	assessment, err := h.repo.GetAssessment(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.cache != nil {
		if data, err := json.Marshal(assessment); err == nil {
			_ = h.cache.Set(ctx, cacheKey, data, assessmentCacheTTL)
		}
	}

	writeJSON(w, http.StatusOK, assessment)
}

// ListAccountAssessments handles GET /accounts/{id}/assessments.
func (h *Handler) ListAccountAssessments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "account id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	assessments, err := h.repo.ListAssessmentsByUser(ctx, userID, since, 100)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// GetAccountSummary handles GET /accounts/{id}/summary. Unknown accounts
// yield the zero summary, never an error.
func (h *Handler) GetAccountSummary(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "account id is required",
		})
		return
	}

	summary, err := h.engine.Summary(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// FreezeAccount handles POST /accounts/{id}/freeze.
func (h *Handler) FreezeAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := h.engine.Freeze(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	metrics.AccountsFrozenTotal.WithLabelValues("admin").Inc()

	writeJSON(w, http.StatusOK, map[string]string{
		"userId": userID,
		"status": "frozen",
	})
}

// UnfreezeAccount handles POST /accounts/{id}/unfreeze.
func (h *Handler) UnfreezeAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := h.engine.Unfreeze(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"userId": userID,
		"status": "active",
	})
}

// ResetSessions handles POST /accounts/{id}/reset-sessions.
func (h *Handler) ResetSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := h.engine.ResetSessions(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"userId": userID,
		"status": "sessions_reset",
	})
}

// ListPolicies handles GET /policies: the rules currently loaded.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	loaded := h.policies.LoadedRules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": loaded,
		"count":    len(loaded),
	})
}

// CreatePolicyRequest is the request body for POST /policies.
type CreatePolicyRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Action      string `json:"action"`
	Enabled     bool   `json:"enabled"`
}

// CreatePolicy handles POST /policies: validate, persist, load.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if !domain.ValidAction(req.Action) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "action must be one of allow, warn, force_logout, freeze",
		})
		return
	}

	rule := &domain.PolicyRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Action:      domain.Action(req.Action),
		Enabled:     req.Enabled,
	}

	if err := h.policies.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePolicyRule(ctx, rule); err != nil {
			slog.Error("failed to save policy rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save policy rule",
			})
			return
		}
	}

	if rule.Enabled {
		if err := h.policies.LoadRule(rule); err != nil {
			slog.Error("failed to load policy rule", "id", rule.ID, "error", err)
		}
	}

	slog.Info("policy rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

// DeletePolicy handles DELETE /policies/{id}.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "policy id is required",
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.DeletePolicyRule(r.Context(), ruleID); err != nil {
			writeError(w, err)
			return
		}
	}
	h.policies.RemoveRule(ruleID)

	slog.Info("policy rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "policy rule deleted",
	})
}

// ReloadPolicies handles POST /policies/reload: hot-reload from the database.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rules, err := h.repo.ListPolicyRules(ctx)
	if err != nil {
		slog.Error("failed to list policy rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load policy rules from database",
		})
		return
	}

	if err := h.policies.ReloadRules(rules); err != nil {
		slog.Error("failed to reload policy rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload policy rules: " + err.Error(),
		})
		return
	}

	slog.Info("policy rules reloaded from database", "count", len(rules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "policy rules reloaded successfully",
		"count":   h.policies.RulesCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
