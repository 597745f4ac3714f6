package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rapidtriage/triage/internal/config"
	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/service"
	"github.com/rapidtriage/triage/internal/store/sqlite"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if respID == "" {
		t.Error("expected X-Request-ID in response header")
	}
	// UUID v7 format check: 36 chars with dashes
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id != clientID {
			t.Errorf("expected context ID %q, got %q", clientID, id)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if respID != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, respID)
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	id := GetRequestID(context.Background())
	if id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// Authorize middleware tests
// ---------------------------------------------------------------------------

func testAuthSetup(t *testing.T) (*service.Engine, *service.SessionVerifier) {
	t.Helper()
	st, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := *config.Default()
	cfg.Auth.SessionSecret = "middleware-test-secret"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := service.NewEngine(cfg, st, service.NewAPIKeyVerifier(st, 0, 0, logger), nil, nil, logger)
	return engine, service.NewSessionVerifier([]byte(cfg.Auth.SessionSecret))
}

func TestAuthorizeAttachesPrincipal(t *testing.T) {
	engine, sessions := testAuthSetup(t)
	token, err := sessions.Issue("user-7", "", model.TierFree, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r.Context())
		if p == nil || p.ID != "user-7" {
			t.Errorf("principal = %+v, want user-7", p)
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := Authorize(engine, RequireScope(model.ScopeRead))(inner)

	req := httptest.NewRequest("GET", "/api/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAuthorizeDenies(t *testing.T) {
	engine, sessions := testAuthSetup(t)
	token, err := sessions.Issue("user-7", "", model.TierFree, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		scope      model.Scope
		status     int
		wantReason model.Reason
	}{
		{"missing credential", "", model.ScopeRead, http.StatusUnauthorized, model.ReasonNoCredential},
		{"garbage credential", "Bearer what", model.ScopeRead, http.StatusUnauthorized, model.ReasonUnrecognizedFormat},
		{"scope too low", "Bearer " + token, model.ScopeAdmin, http.StatusForbidden, model.ReasonInsufficientScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("inner handler must not run on denial")
			})
			handler := Authorize(engine, RequireScope(tt.scope))(inner)

			req := httptest.NewRequest("GET", "/api/v1/keys", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			var body model.ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", body.Error.Reason, tt.wantReason)
			}
		})
	}
}

func TestStatusForReason(t *testing.T) {
	tests := []struct {
		reason model.Reason
		status int
	}{
		{model.ReasonNoCredential, http.StatusUnauthorized},
		{model.ReasonUnrecognizedFormat, http.StatusUnauthorized},
		{model.ReasonInvalidSignature, http.StatusUnauthorized},
		{model.ReasonExpired, http.StatusUnauthorized},
		{model.ReasonRevoked, http.StatusUnauthorized},
		{model.ReasonNotFound, http.StatusUnauthorized},
		{model.ReasonInsufficientScope, http.StatusForbidden},
		{model.ReasonRateLimited, http.StatusTooManyRequests},
		{model.ReasonQuotaExceeded, http.StatusTooManyRequests},
		{model.ReasonBackendUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if got := StatusForReason(tt.reason); got != tt.status {
			t.Errorf("StatusForReason(%q) = %d, want %d", tt.reason, got, tt.status)
		}
	}
}

func TestGetPrincipalWithoutValue(t *testing.T) {
	got := GetPrincipal(context.Background())
	if got != nil {
		t.Error("expected nil principal from bare context")
	}
}
