package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// Authorize returns an HTTP middleware that runs the full decision
// pipeline against the Authorization header. The spec function builds the
// per-request check; it may vary by method or path parameters.
//
// On allow, the principal is attached to the request context. On denial,
// the reason is mapped to an HTTP status and the reason code is included
// verbatim in the error body.
func Authorize(engine *service.Engine, spec func(r *http.Request) service.CheckSpec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := engine.Authorize(r.Context(), r.Header.Get("Authorization"), spec(r))
			if !d.Allowed {
				writeDecisionError(w, d)
				return
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, d.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope builds a spec function that checks a single fixed scope
// with no rate or quota accounting. For management routes.
func RequireScope(scope model.Scope) func(r *http.Request) service.CheckSpec {
	return func(*http.Request) service.CheckSpec {
		return service.CheckSpec{RequiredScope: scope}
	}
}

// RequireScheme restricts a route group to principals that authenticated
// with one specific credential scheme. It must run after Authorize. Used
// to keep internal endpoints service-token only no matter which scopes a
// user credential carries.
func RequireScheme(scheme model.Scheme) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil || p.Scheme != scheme {
				writeDecisionError(w, model.Deny(model.ReasonInsufficientScope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil on unauthenticated requests.
func GetPrincipal(ctx context.Context) *model.Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*model.Principal); ok {
		return p
	}
	return nil
}

// StatusForReason maps a denial reason to its HTTP status. Infrastructure
// faults are 503, never a 4xx: the caller did nothing wrong.
func StatusForReason(reason model.Reason) int {
	switch reason {
	case model.ReasonInsufficientScope:
		return http.StatusForbidden
	case model.ReasonRateLimited, model.ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	case model.ReasonBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func writeDecisionError(w http.ResponseWriter, d model.Decision) {
	status := StatusForReason(d.Reason)

	if d.Reason == model.ReasonRateLimited && d.RetryAfter > 0 {
		secs := int(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	if d.Reason == model.ReasonQuotaExceeded && !d.PeriodReset.IsZero() {
		w.Header().Set("X-Quota-Reset", d.PeriodReset.UTC().Format(http.TimeFormat))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    status,
			Message: http.StatusText(status),
			Reason:  d.Reason,
		},
	})
}
