package handler

import (
	"net/http"
	"time"

	"github.com/rapidtriage/triage/internal/config"
	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/server/middleware"
	"github.com/rapidtriage/triage/internal/service"
)

// DecisionHandler exposes the decision pipeline as an endpoint, so the
// capture gateway and replay workers can delegate access checks instead of
// embedding the engine.
type DecisionHandler struct {
	engine *service.Engine
	limits config.LimitsConfig
}

// NewDecisionHandler creates a DecisionHandler.
func NewDecisionHandler(engine *service.Engine, limits config.LimitsConfig) *DecisionHandler {
	return &DecisionHandler{engine: engine, limits: limits}
}

type decisionRequest struct {
	// Credential is the bearer string under check, not the caller's own.
	Credential string `json:"credential"`

	// Scope the operation requires; empty skips the scope stage.
	Scope string `json:"scope,omitempty"`

	// Category selects the configured rate rule; empty skips rate limiting.
	Category string `json:"category,omitempty"`

	// Units of monthly quota the operation costs; 0 skips the quota stage.
	Units int64 `json:"units,omitempty"`
}

type decisionResponse struct {
	Allowed     bool       `json:"allowed"`
	Reason      string     `json:"reason,omitempty"`
	PrincipalID string     `json:"principal_id,omitempty"`
	Scheme      string     `json:"scheme,omitempty"`
	Tier        string     `json:"tier,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Remaining   int64      `json:"remaining"`
	RetryAfter  int64      `json:"retry_after_seconds,omitempty"`
	PeriodReset *time.Time `json:"period_reset,omitempty"`
}

// Check runs the pipeline against the credential in the request body. The
// response is always 200: a denial is a successful check with allowed
// false, except infrastructure faults, which are 503.
func (h *DecisionHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	spec := service.CheckSpec{}
	if req.Scope != "" {
		scope, err := model.ParseScope(req.Scope)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		spec.RequiredScope = scope
	}
	if req.Category != "" {
		window, limit, ok := h.limits.RuleFor(req.Category)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown category "+req.Category, "")
			return
		}
		spec.RateLimit = &service.RateLimitSpec{Category: req.Category, Window: window, MaxPerWindow: limit}
	}
	if req.Units > 0 {
		spec.Quota = &service.QuotaSpec{Amount: req.Units}
	}

	d := h.engine.Authorize(r.Context(), req.Credential, spec)
	if d.Reason == model.ReasonBackendUnavailable {
		writeError(w, http.StatusServiceUnavailable, "backend unavailable", d.Reason)
		return
	}

	resp := decisionResponse{
		Allowed:   d.Allowed,
		Reason:    string(d.Reason),
		Remaining: d.Remaining,
	}
	if d.Principal != nil {
		resp.PrincipalID = d.Principal.ID
		resp.Scheme = string(d.Principal.Scheme)
		resp.Tier = string(d.Principal.Tier)
		resp.Scopes = scopeStrings(d.Principal)
	}
	if d.RetryAfter > 0 {
		secs := int64(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfter = secs
	}
	if !d.PeriodReset.IsZero() {
		reset := d.PeriodReset
		resp.PeriodReset = &reset
	}
	writeJSON(w, http.StatusOK, resp)
}

func scopeStrings(p *model.Principal) []string {
	scopes := p.Scopes.Slice()
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// UsageHandler reports current-period quota consumption.
type UsageHandler struct {
	engine *service.Engine
}

// NewUsageHandler creates a UsageHandler.
func NewUsageHandler(engine *service.Engine) *UsageHandler {
	return &UsageHandler{engine: engine}
}

// Get returns the caller's consumption for the current period.
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	report, err := h.engine.Usage(r.Context(), principal)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "backend unavailable", model.ReasonBackendUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
