package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/rapidtriage/triage/internal/config"
	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/quota"
	"github.com/rapidtriage/triage/internal/ratelimit"
	"github.com/rapidtriage/triage/internal/store"
	"github.com/rapidtriage/triage/internal/telemetry"
)

// RateLimitSpec names the category bucket a request counts against.
// Window and MaxPerWindow come from config; MaxPerWindow is overridden
// per principal when the key carries a custom limit.
type RateLimitSpec struct {
	Category     string
	Window       time.Duration
	MaxPerWindow int
}

// QuotaSpec asks for Amount units from the principal's monthly budget.
type QuotaSpec struct {
	Amount int64
}

// CheckSpec describes what a request needs: a scope, optionally a rate
// bucket, optionally quota units. Stages run in a fixed order
// (authenticate, scope, rate, quota) and the first failure is terminal,
// so a scope denial never burns quota.
type CheckSpec struct {
	RequiredScope model.Scope
	RateLimit     *RateLimitSpec
	Quota         *QuotaSpec
}

// Engine runs the full access decision pipeline.
type Engine struct {
	classifier *Classifier
	verifiers  map[model.Scheme]Verifier
	limiter    *ratelimit.Limiter
	ledger     *quota.Ledger
	limits     config.LimitsConfig
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// UsageReport is the current-period consumption snapshot for a
// principal, with the ceiling its tier allows.
type UsageReport struct {
	PeriodID    string    `json:"period"`
	Consumed    int64     `json:"consumed"`
	Ceiling     int64     `json:"ceiling"`
	Remaining   int64     `json:"remaining"`
	PeriodReset time.Time `json:"period_reset"`
}

// NewEngine builds the pipeline. Verifiers are registered per scheme;
// a scheme with no registered verifier denies as unrecognized.
func NewEngine(cfg config.Config, st store.Store, verifier *APIKeyVerifier, idVerifier Verifier, metrics *telemetry.Metrics, logger *slog.Logger) *Engine {
	verifiers := map[model.Scheme]Verifier{
		model.SchemeServiceToken: NewServiceTokenVerifier(cfg.Auth.ServiceTokens),
		model.SchemeSessionToken: NewSessionVerifier([]byte(cfg.Auth.SessionSecret)),
	}
	if verifier != nil {
		verifiers[model.SchemeAPIKey] = verifier
	}
	if idVerifier != nil {
		verifiers[model.SchemeIdentityToken] = idVerifier
	}
	return &Engine{
		classifier: NewClassifier(cfg.Auth),
		verifiers:  verifiers,
		limiter:    ratelimit.New(16384, limiterTTL(cfg.Limits)),
		ledger:     quota.NewLedger(st),
		limits:     cfg.Limits,
		metrics:    metrics,
		logger:     logger,
	}
}

// limiterTTL sizes the window-counter lifetime to the largest configured
// category window, with an hour as the floor. A counter evicted before
// its window closes would silently reset the count mid-window.
func limiterTTL(limits config.LimitsConfig) time.Duration {
	ttl := time.Hour
	for category := range limits.Categories {
		if window, _, ok := limits.RuleFor(category); ok && 2*window > ttl {
			ttl = 2 * window
		}
	}
	return ttl
}

// Authorize classifies the credential, verifies it, then applies scope,
// rate, and quota checks in order. The returned decision always carries
// a stable reason on denial.
func (e *Engine) Authorize(ctx context.Context, credential string, spec CheckSpec) model.Decision {
	start := time.Now()
	d := e.authorize(ctx, credential, spec)
	e.observe(d, time.Since(start))
	return d
}

func (e *Engine) authorize(ctx context.Context, credential string, spec CheckSpec) model.Decision {
	cred, scheme, err := e.classifier.Classify(credential)
	if err != nil {
		return model.Deny(ReasonFor(err))
	}

	verifier, ok := e.verifiers[scheme]
	if !ok {
		return model.Deny(model.ReasonUnrecognizedFormat)
	}

	principal, err := verifier.Verify(ctx, cred)
	if err != nil {
		e.logger.Debug("credential rejected", "scheme", scheme, "reason", ReasonFor(err))
		return model.Deny(ReasonFor(err))
	}

	if spec.RequiredScope != "" && !principal.HasScope(spec.RequiredScope) {
		d := model.Deny(model.ReasonInsufficientScope)
		d.Principal = principal
		return d
	}

	// Service tokens are internal infrastructure and bypass rate and
	// quota accounting entirely.
	if principal.Scheme == model.SchemeServiceToken {
		return model.Decision{Allowed: true, Principal: principal, Remaining: model.UnlimitedCeiling}
	}

	if spec.RateLimit != nil {
		limit := spec.RateLimit.MaxPerWindow
		if principal.RateLimitOverride > 0 {
			limit = principal.RateLimitOverride
		}
		res := e.limiter.Check(principal.ID, spec.RateLimit.Category, spec.RateLimit.Window, limit)
		if !res.Allowed {
			d := model.Deny(model.ReasonRateLimited)
			d.Principal = principal
			d.RetryAfter = res.RetryAfter
			return d
		}
	}

	decision := model.Decision{Allowed: true, Principal: principal, Remaining: model.UnlimitedCeiling}

	if spec.Quota != nil {
		ceiling := e.limits.CeilingFor(principal.Tier)
		res, err := e.ledger.TryConsume(ctx, principal.ID, spec.Quota.Amount, ceiling)
		if err != nil {
			e.logger.Error("quota check failed", "principal", principal.ID, "error", err)
			d := model.Deny(model.ReasonBackendUnavailable)
			d.Principal = principal
			return d
		}
		decision.Remaining = res.Remaining
		decision.PeriodReset = res.PeriodReset
		if !res.Allowed {
			d := model.Deny(model.ReasonQuotaExceeded)
			d.Principal = principal
			d.Remaining = res.Remaining
			d.PeriodReset = res.PeriodReset
			return d
		}
	}

	return decision
}

// Usage reports the principal's consumption for the current period
// against the ceiling their tier allows.
func (e *Engine) Usage(ctx context.Context, principal *model.Principal) (UsageReport, error) {
	c, err := e.ledger.Usage(ctx, principal.ID)
	if err != nil {
		return UsageReport{}, err
	}
	ceiling := e.limits.CeilingFor(principal.Tier)
	remaining := model.UnlimitedCeiling
	if ceiling >= 0 {
		remaining = ceiling - c.Consumed
		if remaining < 0 {
			remaining = 0
		}
	}
	return UsageReport{
		PeriodID:    c.PeriodID,
		Consumed:    c.Consumed,
		Ceiling:     ceiling,
		Remaining:   remaining,
		PeriodReset: quota.PeriodReset(time.Now()),
	}, nil
}

func (e *Engine) observe(d model.Decision, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	scheme := "none"
	if d.Principal != nil {
		scheme = string(d.Principal.Scheme)
	}
	e.metrics.ObserveDecision(scheme, d.Allowed, string(d.Reason), elapsed)
}
