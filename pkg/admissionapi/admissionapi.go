// Package admissionapi exposes the admission engine over HTTP: one
// synchronous endpoint that resolves limits, runs Acquire, optionally
// adjusts consumption against the actual cost of the work just performed,
// and responds with the outcome.
package admissionapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tokenshard/limiter/internal/httpserver"
	"github.com/tokenshard/limiter/pkg/configresolver"
	"github.com/tokenshard/limiter/pkg/ratelimiter"
	"github.com/tokenshard/limiter/pkg/repository"
	"github.com/tokenshard/limiter/pkg/rlerrors"
)

// Handler provides the HTTP handlers for the admission API.
type Handler struct {
	limiter *ratelimiter.Limiter
	logger  *slog.Logger
}

// NewHandler creates an admissionapi Handler.
func NewHandler(limiter *ratelimiter.Limiter, logger *slog.Logger) *Handler {
	return &Handler{limiter: limiter, logger: logger}
}

// Routes returns a chi.Router with the admission routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/acquire", h.handleAcquire)
	return r
}

// consumeRequest is one named limit's requested consumption.
type consumeRequest struct {
	Name   string `json:"name" validate:"required"`
	Tokens int64  `json:"tokens" validate:"gte=0"`
}

// limitOverride lets a caller bypass stored configuration entirely for this
// call, mirroring configresolver.Limit.
type limitOverride struct {
	Name           string `json:"name" validate:"required"`
	CapacityMilli  int64  `json:"capacity_milli" validate:"required"`
	BurstMilli     int64  `json:"burst_milli"`
	RefillMilli    int64  `json:"refill_milli" validate:"required"`
	RefillPeriodMS int64  `json:"refill_period_ms" validate:"required"`
}

// acquireRequest is the POST /v1/acquire request body.
type acquireRequest struct {
	Namespace string           `json:"namespace" validate:"required"`
	EntityID  string           `json:"entity_id" validate:"required"`
	Resource  string           `json:"resource" validate:"required"`
	Consume   []consumeRequest `json:"consume" validate:"required,min=1,dive"`
	Limits    []limitOverride  `json:"limits,omitempty" validate:"omitempty,dive"`
	Cascade   *bool            `json:"cascade,omitempty"`
	// ActualTokens, when present, adjusts one limit's consumption against
	// the real cost of the work performed before the lease closes — e.g. a
	// request sized by estimate at Acquire time and reconciled against the
	// response size once known.
	ActualTokens map[string]int64 `json:"actual_tokens,omitempty"`
}

// acquireResponse is the POST /v1/acquire success response body.
type acquireResponse struct {
	Admitted bool `json:"admitted"`
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	consume := make([]repository.ConsumeRequest, 0, len(req.Consume))
	for _, c := range req.Consume {
		consume = append(consume, repository.ConsumeRequest{Name: c.Name, Tokens: c.Tokens})
	}

	var limits map[string]configresolver.Limit
	if len(req.Limits) > 0 {
		limits = make(map[string]configresolver.Limit, len(req.Limits))
		for _, l := range req.Limits {
			limits[l.Name] = configresolver.Limit{
				Name:           l.Name,
				CapacityMilli:  l.CapacityMilli,
				BurstMilli:     l.BurstMilli,
				RefillMilli:    l.RefillMilli,
				RefillPeriodMS: l.RefillPeriodMS,
			}
		}
	}

	lease, err := h.limiter.Acquire(r.Context(), ratelimiter.AcquireParams{
		Namespace:       req.Namespace,
		EntityID:        req.EntityID,
		Resource:        req.Resource,
		Consume:         consume,
		Limits:          limits,
		CascadeOverride: req.Cascade,
	})
	if err != nil {
		h.respondAcquireError(w, err)
		return
	}

	for name, actual := range req.ActualTokens {
		if err := lease.Adjust(r.Context(), name, actual); err != nil {
			h.logger.Warn("adjusting lease", "namespace", req.Namespace, "entity_id", req.EntityID, "limit", name, "error", err)
		}
	}
	if err := lease.Commit(); err != nil {
		h.logger.Error("committing lease", "error", err)
	}

	httpserver.Respond(w, http.StatusOK, acquireResponse{Admitted: true})
}

func (h *Handler) respondAcquireError(w http.ResponseWriter, err error) {
	var rlErr *rlerrors.Error
	if !errors.As(err, &rlErr) {
		h.logger.Error("acquiring lease", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "admission failed")
		return
	}

	switch rlErr.Kind {
	case rlerrors.KindValidation:
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", rlErr.Message)
	case rlerrors.KindRateLimitExceeded:
		body := map[string]any{"admitted": false}
		if rlErr.RateLimit != nil {
			for k, v := range rlErr.RateLimit.AsDict() {
				body[k] = v
			}
			w.Header().Set("Retry-After", strconv.Itoa(rlErr.RateLimit.RetryAfterHeader()))
		}
		httpserver.Respond(w, http.StatusTooManyRequests, body)
	case rlerrors.KindUnavailable:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", rlErr.Message)
	default:
		h.logger.Error("acquiring lease", "kind", rlErr.Kind, "error", rlErr)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", rlErr.Message)
	}
}
