package model

import "time"

// Reason is a stable denial reason code. Each stage of the decision
// pipeline denies with a distinct code; codes are never collapsed into a
// generic "unauthorized".
type Reason string

const (
	ReasonNoCredential       Reason = "no_credential"
	ReasonUnrecognizedFormat Reason = "unrecognized_format"
	ReasonInvalidSignature   Reason = "invalid_signature"
	ReasonExpired            Reason = "expired"
	ReasonRevoked            Reason = "revoked"
	ReasonNotFound           Reason = "not_found"
	ReasonInsufficientScope  Reason = "insufficient_scope"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonQuotaExceeded      Reason = "quota_exceeded"

	// ReasonBackendUnavailable marks an infrastructure fault, not a policy
	// decision. Callers must never treat it as a denial.
	ReasonBackendUnavailable Reason = "backend_unavailable"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed   bool       `json:"allowed"`
	Principal *Principal `json:"principal,omitempty"`
	Reason    Reason     `json:"reason,omitempty"`

	// RetryAfter is set when Reason is rate_limited: the remaining time in
	// the current window.
	RetryAfter time.Duration `json:"-"`

	// Remaining is the quota remaining after this decision. -1 when quota
	// was not consulted or the ceiling is unlimited.
	Remaining int64 `json:"remaining"`

	// PeriodReset is when the current quota period rolls over. Zero when
	// quota was not consulted.
	PeriodReset time.Time `json:"period_reset,omitzero"`
}

// Deny builds a denied decision with the given reason.
func Deny(reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason, Remaining: -1}
}
