package server

import (
	"bytes"
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
	"github.com/rapidtriage/triage/internal/store"
	"github.com/rapidtriage/triage/internal/store/sqlite"
	"github.com/rapidtriage/triage/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testSessionSecret = "test-secret-for-integration-tests"
	testServiceToken  = "svc-capture-gateway-token"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server   *Server
	store    store.Store
	engine   *service.Engine
	sessions *service.SessionVerifier
}

// newTestEnv creates a fresh test environment over an isolated SQLite
// store with a fully wired Server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := *config.Default()
	cfg.Auth.SessionSecret = testSessionSecret
	cfg.Auth.ServiceTokens = []config.ServiceToken{{Name: "capture-gateway", Token: testServiceToken}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.New()
	verifier := service.NewAPIKeyVerifier(st, 0, 0, logger)
	engine := service.NewEngine(cfg, st, verifier, nil, metrics, logger)
	keys := service.NewKeyService(st, cfg.Limits, verifier)

	srvCfg := DefaultConfig()
	srvCfg.PublicRateLimit = 0 // no per-IP limiting in tests
	srv := New(srvCfg, engine, keys, st, cfg.Limits, metrics, logger)

	return &testEnv{
		server:   srv,
		store:    st,
		engine:   engine,
		sessions: service.NewSessionVerifier([]byte(testSessionSecret)),
	}
}

// userToken issues a session token for a test user.
func (e *testEnv) userToken(t *testing.T, subject string, tier model.Tier) string {
	t.Helper()
	token, err := e.sessions.Issue(subject, subject+"@example.com", tier, nil, time.Hour)
	if err != nil {
		t.Fatalf("userToken: %v", err)
	}
	return token
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes an authenticated HTTP request.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Probe tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// Drive one decision through so counters exist.
	env.doAuth(t, "GET", "/api/v1/usage", nil, env.userToken(t, "user-m", model.TierFree))

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !bytes.Contains(rr.Body.Bytes(), []byte("triage_access_decisions_total")) {
		t.Error("decision counter missing from exposition")
	}
}

// ---------------------------------------------------------------------------
// Key lifecycle over HTTP
// ---------------------------------------------------------------------------

func TestKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, "user-1", model.TierStandard)

	// Mint.
	rr := env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]any{
		"name":   "ci key",
		"scopes": []string{"read", "screenshot"},
	}), token)
	assertStatus(t, rr, http.StatusCreated)

	var created struct {
		ID        string `json:"id"`
		Key       string `json:"key"`
		KeyPrefix string `json:"key_prefix"`
	}
	decodeJSON(t, rr, &created)
	if created.Key == "" || created.ID == "" {
		t.Fatalf("created = %+v, want id and raw key", created)
	}

	// The minted key authenticates.
	rr = env.doAuth(t, "GET", "/api/v1/usage", nil, created.Key)
	assertStatus(t, rr, http.StatusOK)

	// List does not leak the secret.
	rr = env.doAuth(t, "GET", "/api/v1/keys", nil, token)
	assertStatus(t, rr, http.StatusOK)
	if bytes.Contains(rr.Body.Bytes(), []byte(created.Key)) {
		t.Error("raw secret leaked in list response")
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(created.KeyPrefix)) {
		t.Error("display prefix missing from list response")
	}

	// Revoke, then the key stops working immediately.
	rr = env.doAuth(t, "DELETE", "/api/v1/keys/"+created.ID, nil, token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/api/v1/usage", nil, created.Key)
	assertStatus(t, rr, http.StatusUnauthorized)
	var denial model.ErrorResponse
	decodeJSON(t, rr, &denial)
	if denial.Error.Reason != model.ReasonRevoked {
		t.Errorf("reason = %q, want revoked", denial.Error.Reason)
	}
}

func TestKeyMintingRequiresNonKeyScheme(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, "user-1", model.TierStandard)

	rr := env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]any{
		"name":   "first",
		"scopes": []string{"read"},
	}), token)
	assertStatus(t, rr, http.StatusCreated)

	var created struct {
		Key string `json:"key"`
	}
	decodeJSON(t, rr, &created)

	// The key itself cannot mint another key.
	rr = env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]any{
		"name":   "derived",
		"scopes": []string{"read"},
	}), created.Key)
	assertStatus(t, rr, http.StatusForbidden)
}

func TestKeyRevokeOtherOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := env.userToken(t, "user-1", model.TierStandard)
	stranger := env.userToken(t, "user-2", model.TierStandard)

	rr := env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]any{
		"name":   "mine",
		"scopes": []string{"read"},
	}), owner)
	assertStatus(t, rr, http.StatusCreated)
	var created struct {
		ID string `json:"id"`
	}
	decodeJSON(t, rr, &created)

	rr = env.doAuth(t, "DELETE", "/api/v1/keys/"+created.ID, nil, stranger)
	assertStatus(t, rr, http.StatusForbidden)
}

func TestKeyCreateRejectsBadBounds(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, "user-1", model.TierFree)

	rr := env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]any{
		"name":            "overreach",
		"scopes":          []string{"read"},
		"expires_in_days": 9999,
	}), token)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// Decision endpoint
// ---------------------------------------------------------------------------

func TestDecisionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	subject := env.userToken(t, "user-d", model.TierFree)

	rr := env.doAuth(t, "POST", "/api/v1/decision", jsonBody(t, map[string]any{
		"credential": subject,
		"scope":      "screenshot",
		"units":      1,
	}), testServiceToken)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Allowed     bool   `json:"allowed"`
		PrincipalID string `json:"principal_id"`
		Remaining   int64  `json:"remaining"`
	}
	decodeJSON(t, rr, &resp)
	if !resp.Allowed {
		t.Fatalf("decision denied: %s", rr.Body.String())
	}
	if resp.PrincipalID != "user-d" {
		t.Errorf("principal = %q", resp.PrincipalID)
	}
	if resp.Remaining != 9 {
		t.Errorf("remaining = %d, want 9", resp.Remaining)
	}
}

func TestDecisionEndpointDenialIs200(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doAuth(t, "POST", "/api/v1/decision", jsonBody(t, map[string]any{
		"credential": "not-a-credential",
	}), testServiceToken)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Allowed {
		t.Fatal("garbage credential allowed")
	}
	if resp.Reason != string(model.ReasonUnrecognizedFormat) {
		t.Errorf("reason = %q", resp.Reason)
	}
}

func TestDecisionEndpointRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/decision", jsonBody(t, map[string]any{
		"credential": "whatever",
	}), nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestDecisionEndpointServiceTokenOnly(t *testing.T) {
	env := newTestEnv(t)
	caller := env.userToken(t, "user-a", model.TierStandard)
	victim := env.userToken(t, "user-b", model.TierFree)

	// A session principal holds every user scope, but the endpoint is
	// reserved for sibling services. It must not serve as an oracle for
	// probing someone else's credential.
	rr := env.doAuth(t, "POST", "/api/v1/decision", jsonBody(t, map[string]any{
		"credential": victim,
		"units":      1,
	}), caller)
	assertStatus(t, rr, http.StatusForbidden)

	var resp struct {
		Error struct {
			Reason string `json:"reason"`
		} `json:"error"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Error.Reason != string(model.ReasonInsufficientScope) {
		t.Errorf("reason = %q", resp.Error.Reason)
	}

	// Nothing was consumed on the probed credential's behalf.
	usage := env.doAuth(t, "GET", "/api/v1/usage", nil, victim)
	assertStatus(t, usage, http.StatusOK)
	var report struct {
		Consumed int64 `json:"consumed"`
	}
	decodeJSON(t, usage, &report)
	if report.Consumed != 0 {
		t.Errorf("consumed = %d, want 0", report.Consumed)
	}
}

func TestKeyMintingRequiresWriteScope(t *testing.T) {
	env := newTestEnv(t)
	readOnly, err := env.sessions.Issue("user-ro", "user-ro@example.com",
		model.TierStandard, []model.Scope{model.ScopeRead}, time.Hour)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	rr := env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]any{
		"name":   "sneaky",
		"scopes": []string{"read"},
	}), readOnly)
	assertStatus(t, rr, http.StatusForbidden)

	// Listing still works with read alone.
	rr = env.doAuth(t, "GET", "/api/v1/keys", nil, readOnly)
	assertStatus(t, rr, http.StatusOK)
}

func TestDecisionEndpointUnknownCategory(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doAuth(t, "POST", "/api/v1/decision", jsonBody(t, map[string]any{
		"credential": "whatever",
		"category":   "teleport",
	}), testServiceToken)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// Usage endpoint
// ---------------------------------------------------------------------------

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, "user-u", model.TierFree)

	// Consume 3 units through the decision endpoint.
	rr := env.doAuth(t, "POST", "/api/v1/decision", jsonBody(t, map[string]any{
		"credential": token,
		"units":      3,
	}), testServiceToken)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/api/v1/usage", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Consumed  int64 `json:"consumed"`
		Ceiling   int64 `json:"ceiling"`
		Remaining int64 `json:"remaining"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Consumed != 3 || resp.Ceiling != 10 || resp.Remaining != 7 {
		t.Errorf("usage = %+v, want consumed 3 / ceiling 10 / remaining 7", resp)
	}
}
