// Package api provides HTTP handlers for triggering and inspecting
// deployments. It is a thin adapter over the orchestrator; all policy
// lives below it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/shipd/internal/core/auth"
	"github.com/artpar/shipd/internal/core/domain"
	"github.com/artpar/shipd/internal/core/runspec"
	"github.com/artpar/shipd/internal/shell/builder"
	"github.com/artpar/shipd/internal/shell/gitrepo"
	"github.com/artpar/shipd/internal/shell/orchestrator"
	"github.com/artpar/shipd/internal/shell/store"
)

// logTailBytes bounds how much build output rides along in an error body.
const logTailBytes = 2048

// =============================================================================
// Handler
// =============================================================================

// Deployer runs one deployment attempt.
type Deployer interface {
	Deploy(ctx context.Context, appID, fingerprint string) (*orchestrator.Result, error)
}

// Pinger reports whether the container daemon is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	store    store.Store
	deployer Deployer
	pinger   Pinger
	logger   *slog.Logger
}

// NewHandler creates a new API handler. pinger may be nil when no
// daemon check is wanted on /ready.
func NewHandler(s store.Store, d Deployer, p Pinger, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		store:    s,
		deployer: d,
		pinger:   p,
		logger:   l,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/apps/{appID}", func(r chi.Router) {
			r.Post("/deployments", h.handleTriggerDeployment)
			r.Get("/deployments", h.handleListDeployments)
		})
		r.Get("/deployments/{id}", h.handleGetDeployment)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	checks["database"] = "ok"

	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			checks["docker"] = "failed"
			h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
				Status: "not_ready",
				Checks: checks,
			})
			return
		}
		checks["docker"] = "ok"
	}

	h.writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Checks: checks,
	})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleTriggerDeployment(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")

	fingerprint := r.Header.Get("X-SSH-Fingerprint")
	if fingerprint == "" {
		h.writeError(w, http.StatusUnauthorized, "missing X-SSH-Fingerprint header", "unauthenticated")
		return
	}

	res, err := h.deployer.Deploy(r.Context(), appID, fingerprint)
	if err != nil {
		h.writeDeployError(w, res, err)
		return
	}

	resp := deploymentToResponse(res.Deployment)
	resp.RunSpec = res.Spec
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deployment, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "deployment_not_found")
			return
		}
		h.logger.Error("failed to get deployment", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get deployment", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, deploymentToResponse(deployment))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	opts := store.DefaultListOptions()

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}

	if _, err := h.store.GetApp(r.Context(), appID); err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "app not found", "app_not_found")
			return
		}
		h.logger.Error("failed to get app", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get app", "internal_error")
		return
	}

	deployments, err := h.store.ListDeploymentsByApp(r.Context(), appID, opts)
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "internal_error")
		return
	}

	resp := ListDeploymentsResponse{
		Deployments: make([]DeploymentResponse, 0, len(deployments)),
		Total:       len(deployments),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
	for i := range deployments {
		resp.Deployments = append(resp.Deployments, deploymentToResponse(&deployments[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Error Mapping
// =============================================================================

// writeDeployError maps a pipeline error to a status code. res carries
// the admitted deployment when the failure happened after admission.
func (h *Handler) writeDeployError(w http.ResponseWriter, res *orchestrator.Result, err error) {
	status, code := http.StatusInternalServerError, "internal_error"

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case isNotFound(err):
		status, code = http.StatusNotFound, "app_not_found"
	case errors.Is(err, store.ErrDeploymentActive):
		status, code = http.StatusConflict, "deployment_in_progress"
	case errors.Is(err, domain.ErrAppNotDeployable):
		status, code = http.StatusConflict, "app_not_deployable"
	case errors.Is(err, runspec.ErrPolicyViolation):
		status, code = http.StatusUnprocessableEntity, "policy_violation"
	case errors.Is(err, builder.ErrResourceExhausted):
		status, code = http.StatusServiceUnavailable, "resource_exhausted"
	case errors.Is(err, gitrepo.ErrRefNotFound):
		status, code = http.StatusBadGateway, "ref_not_found"
	case errors.Is(err, gitrepo.ErrTimeout):
		status, code = http.StatusBadGateway, "resolve_timeout"
	case errors.Is(err, gitrepo.ErrUnreachable):
		status, code = http.StatusBadGateway, "source_unreachable"
	case errors.Is(err, builder.ErrBuildTimeout):
		status, code = http.StatusBadGateway, "build_timeout"
	case errors.Is(err, builder.ErrBuildFailed):
		status, code = http.StatusBadGateway, "build_failed"
	case errors.Is(err, context.Canceled):
		status, code = http.StatusBadGateway, "cancelled"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("deployment trigger failed", "error", err)
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	if res != nil && res.Deployment != nil {
		resp.DeploymentID = res.Deployment.ID
		resp.LogTail = logTail(res.Deployment.Log, logTailBytes)
	}
	h.writeJSON(w, status, resp)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:         d.ID,
		AppID:      d.AppID,
		Version:    d.Version,
		Status:     string(d.Status),
		DeployedBy: d.DeployedBy,
		Commit:     d.Commit,
		Image:      d.Image,
		Reason:     d.Reason,
		Log:        d.Log,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
		StartedAt:  d.StartedAt,
		FinishedAt: d.FinishedAt,
	}
}

// logTail returns the last n bytes of s, aligned to a line boundary
// when one falls inside the window.
func logTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	tail := s[len(s)-n:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i+1 < len(tail) {
		return tail[i+1:]
	}
	return tail
}

// isNotFound checks if an error is a not found error.
func isNotFound(err error) bool {
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Unwrap(), store.ErrNotFound)
	}
	return errors.Is(err, store.ErrNotFound)
}
