package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveDecision(t *testing.T) {
	m := New()

	m.ObserveDecision("api_key", true, "", 3*time.Millisecond)
	m.ObserveDecision("api_key", false, "quota_exceeded", time.Millisecond)
	m.ObserveDecision("session_token", false, "expired", time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	for _, want := range []string{
		`triage_access_decisions_total{outcome="allow",scheme="api_key"} 1`,
		`triage_access_decisions_total{outcome="deny",scheme="api_key"} 1`,
		`triage_access_denials_total{reason="quota_exceeded"} 1`,
		`triage_access_denials_total{reason="expired"} 1`,
		"triage_access_decision_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics

	// Must not panic.
	m.ObserveDecision("api_key", true, "", time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 404 {
		t.Errorf("nil handler status = %d, want 404", rr.Code)
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must register without conflict.
	a := New()
	b := New()
	a.ObserveDecision("api_key", true, "", time.Millisecond)
	b.ObserveDecision("api_key", true, "", time.Millisecond)
}
