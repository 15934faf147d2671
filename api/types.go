// Package api defines the wire contract of the feedgate HTTP surface: query
// parameter and header names for both protocol generations, and the JSON
// bodies the gateway itself produces.
package api

// ErrorResponse is the JSON body written for every gateway-originated error.
// Errors proxied from a change-feed origin keep the origin's own body.
type ErrorResponse struct {
	// ErrorCode is the stable feedgate error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
	// Checks lists per-dependency results on /readyz.
	Checks map[string]string `json:"checks,omitempty"`
}

// Error codes written in ErrorResponse.ErrorCode.
const (
	CodeTooManyConcurrent    = "too_many_concurrent_requests"
	CodeRateLimited          = "rate_limited"
	CodeAdmissionUnavailable = "admission_unavailable"
	CodeOriginUnreachable    = "origin_unreachable"
	CodeOriginError          = "origin_error"
	CodeUnauthenticated      = "unauthenticated"
	CodeInvalidTable         = "invalid_table"
	CodeMethodNotAllowed     = "method_not_allowed"
	CodeShuttingDown         = "shutting_down"
	CodeInternal             = "internal_error"
)
