// Package recommendationshttp exposes the recommendation lifecycle, algorithm
// runs, on-demand analysis and conflict rule toggles as a JSON API.
package recommendationshttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/access-advisor/internal/conflict"
	"github.com/odyssey-erp/access-advisor/internal/engine"
	"github.com/odyssey-erp/access-advisor/internal/platform/httpx"
	"github.com/odyssey-erp/access-advisor/internal/recommendations"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

type recommendationService interface {
	List(ctx context.Context, filter recommendations.ListFilter) ([]recommendations.Recommendation, error)
	Get(ctx context.Context, id uuid.UUID) (recommendations.Recommendation, error)
	AuditTrail(ctx context.Context, id uuid.UUID) ([]recommendations.AuditEntry, error)
	Explain(ctx context.Context, id uuid.UUID) (string, error)
	Approve(ctx context.Context, in recommendations.TransitionInput) (recommendations.Recommendation, error)
	Reject(ctx context.Context, in recommendations.TransitionInput) (recommendations.Recommendation, error)
	Implement(ctx context.Context, in recommendations.TransitionInput, prior recommendations.PriorState) (recommendations.Recommendation, error)
	Rollback(ctx context.Context, in recommendations.TransitionInput) (recommendations.Recommendation, error)
	Comment(ctx context.Context, in recommendations.TransitionInput) (recommendations.AuditEntry, error)
}

type analysisService interface {
	AnalyzeUser(ctx context.Context, orgID, userID string) (engine.Report, error)
	Runs(ctx context.Context, filter engine.RunFilter) ([]engine.AlgorithmRun, error)
}

type ruleStore interface {
	Current() *conflict.Matrix
	SetEnabled(ctx context.Context, ruleID string, enabled bool) (*conflict.Matrix, error)
}

// BatchEnqueuer schedules a background batch analysis and returns the task id.
type BatchEnqueuer interface {
	EnqueueBatchAnalysis(ctx context.Context, orgID string) (string, error)
}

// Handler wires the JSON API.
type Handler struct {
	logger   *slog.Logger
	service  recommendationService
	analysis analysisService
	rules    ruleStore
	batches  BatchEnqueuer
	auth     *Authenticator
	orgID    string
}

// NewHandler constructs the API handler. orgID is the organisation served by
// this deployment.
func NewHandler(logger *slog.Logger, service recommendationService, analysis analysisService, rules ruleStore, batches BatchEnqueuer, auth *Authenticator, orgID string) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		analysis: analysis,
		rules:    rules,
		batches:  batches,
		auth:     auth,
		orgID:    orgID,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Route("/recommendations", func(r chi.Router) {
			r.Get("/", h.listRecommendations)
			r.Get("/{id}", h.getRecommendation)
			r.Get("/{id}/audit", h.auditTrail)
			r.Get("/{id}/explanation", h.explain)
			r.Post("/{id}/approve", h.transition(h.service.Approve))
			r.Post("/{id}/reject", h.transition(h.service.Reject))
			r.Post("/{id}/rollback", h.transition(h.service.Rollback))
			r.Post("/{id}/implement", h.implement)
			r.Post("/{id}/comment", h.comment)
		})
		r.Get("/runs", h.listRuns)
		r.Post("/analysis/users/{userID}", h.analyzeUser)
		r.Post("/analysis/batch", h.enqueueBatch)
		r.Get("/conflict-rules", h.listRules)
		r.Patch("/conflict-rules/{id}", h.toggleRule)
	})
}

type transitionRequest struct {
	Comment string `json:"comment"`
}

type implementRequest struct {
	Comment     string   `json:"comment"`
	LicenseTier string   `json:"license_tier"`
	Roles       []string `json:"roles"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type rulesResponse struct {
	Version string          `json:"version"`
	Rules   []conflict.Rule `json:"rules"`
}

func (h *Handler) listRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	recs, err := h.service.List(r.Context(), recommendations.ListFilter{
		OrgID:       h.orgID,
		UserID:      strings.TrimSpace(q.Get("user_id")),
		AlgorithmID: strings.TrimSpace(q.Get("algorithm_id")),
		Status:      recommendations.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.fail(w, "list recommendations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, recs)
}

func (h *Handler) getRecommendation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get recommendation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.AuditTrail(r.Context(), id)
	if err != nil {
		h.fail(w, "audit trail", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	text, err := h.service.Explain(r.Context(), id)
	if err != nil {
		h.fail(w, "explain recommendation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"id": id.String(), "explanation": text})
}

func (h *Handler) transition(apply func(context.Context, recommendations.TransitionInput) (recommendations.Recommendation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		var req transitionRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		rec, err := apply(r.Context(), recommendations.TransitionInput{
			ID:      id,
			Actor:   ActorFromContext(r.Context()),
			Comment: req.Comment,
		})
		if err != nil {
			h.fail(w, "transition recommendation", err)
			return
		}
		httpx.JSON(w, http.StatusOK, rec)
	}
}

func (h *Handler) implement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req implementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if strings.TrimSpace(req.LicenseTier) == "" {
		httpx.RespondError(w, shared.ValidationError("license_tier of the prior state is required"))
		return
	}
	rec, err := h.service.Implement(r.Context(), recommendations.TransitionInput{
		ID:      id,
		Actor:   ActorFromContext(r.Context()),
		Comment: req.Comment,
	}, recommendations.PriorState{LicenseTier: req.LicenseTier, Roles: req.Roles})
	if err != nil {
		h.fail(w, "implement recommendation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) comment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Comment(r.Context(), recommendations.TransitionInput{
		ID:      id,
		Actor:   ActorFromContext(r.Context()),
		Comment: req.Comment,
	})
	if err != nil {
		h.fail(w, "comment recommendation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	runs, err := h.analysis.Runs(r.Context(), engine.RunFilter{
		OrgID:       h.orgID,
		AlgorithmID: strings.TrimSpace(q.Get("algorithm_id")),
		Status:      engine.RunStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Limit:       limit,
	})
	if err != nil {
		h.fail(w, "list runs", err)
		return
	}
	httpx.JSON(w, http.StatusOK, runs)
}

func (h *Handler) analyzeUser(w http.ResponseWriter, r *http.Request) {
	report, err := h.analysis.AnalyzeUser(r.Context(), h.orgID, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, "analyze user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	taskID, err := h.batches.EnqueueBatchAnalysis(r.Context(), h.orgID)
	if err != nil {
		h.fail(w, "enqueue batch analysis", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	m := h.rules.Current()
	if m == nil {
		httpx.RespondError(w, shared.ConfigError("conflict matrix not loaded"))
		return
	}
	httpx.JSON(w, http.StatusOK, rulesResponse{Version: m.Version(), Rules: m.Rules()})
}

func (h *Handler) toggleRule(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Enabled == nil {
		httpx.RespondError(w, shared.ValidationError("enabled is required"))
		return
	}
	ruleID := chi.URLParam(r, "id")
	m, err := h.rules.SetEnabled(r.Context(), ruleID, *req.Enabled)
	if err != nil {
		h.fail(w, "toggle conflict rule", err)
		return
	}
	h.logger.Info("conflict rule toggled",
		slog.String("rule_id", ruleID),
		slog.Bool("enabled", *req.Enabled),
		slog.String("actor", ActorFromContext(r.Context())),
		slog.String("matrix_version", m.Version()),
	)
	rule, _ := m.Rule(ruleID)
	httpx.JSON(w, http.StatusOK, map[string]any{"version": m.Version(), "rule": rule})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, shared.ValidationError("invalid recommendation id")
	}
	return id, nil
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, shared.ValidationError("invalid integer %q", raw)
	}
	return v, nil
}
