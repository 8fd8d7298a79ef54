package gateway

import (
	"fmt"
	"net/http"
	"time"
)

// Error codes returned to callers.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeAdmissionThrottled    = "ADMISSION_THROTTLED"
	CodeLicenseInvalid        = "LICENSE_INVALID"
	CodeDeviceMismatch        = "DEVICE_MISMATCH"
	CodeLicenseAPIUnavailable = "LICENSE_API_UNAVAILABLE"
	CodeNoCredentials         = "NO_CREDENTIALS_CONFIGURED"
	CodeAllCooling            = "ALL_CREDENTIALS_COOLING"
	CodeCredentialRejected    = "CREDENTIAL_REJECTED_BY_UPSTREAM"
	CodeUpstreamTransient     = "UPSTREAM_TRANSIENT_ERROR"
	CodeUpstreamEmpty         = "UPSTREAM_EMPTY_RESULT"
	CodeUpstreamBadResponse   = "UPSTREAM_BAD_RESPONSE"
	CodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	CodeAllAttemptsExhausted  = "ALL_ATTEMPTS_EXHAUSTED"
	CodeInternal              = "INTERNAL_ERROR"
)

// Dominant failure categories reported on exhaustion.
const (
	DominantRateLimit = "rate_limit"
	DominantRejected  = "rejected"
	DominantMixed     = "mixed"
)

// Caller hints.
const (
	HintTryLater         = "try_later"
	HintCheckCredentials = "check_credentials"
	HintFixRequest       = "fix_request"
)

// Error is the failure returned by Generate.
type Error struct {
	Code    string
	Message string
	// Reason refines Code, e.g. the authority failure or the admission rule.
	Reason     string
	RetryAfter time.Duration
	Dominant   string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus maps the error code to a response status.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatus(e.Code)
}

// Hint tells the caller what to do next.
func (e *Error) Hint() string {
	if e == nil {
		return ""
	}
	if e.Code == CodeAllAttemptsExhausted {
		if e.Dominant == DominantRateLimit {
			return HintTryLater
		}
		return HintCheckCredentials
	}
	return Hint(e.Code)
}

// RetryAfterMs is RetryAfter rounded up to whole milliseconds.
func (e *Error) RetryAfterMs() int64 {
	if e == nil || e.RetryAfter <= 0 {
		return 0
	}
	return int64((e.RetryAfter + time.Millisecond - 1) / time.Millisecond)
}

// HTTPStatus returns the response status for code.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeAdmissionThrottled, CodeAllCooling:
		return http.StatusTooManyRequests
	case CodeLicenseInvalid, CodeDeviceMismatch:
		return http.StatusForbidden
	case CodeNoCredentials:
		return http.StatusPreconditionFailed
	case CodeCredentialRejected:
		return http.StatusUnauthorized
	case CodeLicenseAPIUnavailable, CodeAllAttemptsExhausted, CodeUpstreamTransient:
		return http.StatusServiceUnavailable
	case CodeUpstreamEmpty:
		return http.StatusUnprocessableEntity
	case CodeUpstreamBadResponse:
		return http.StatusBadGateway
	case CodeCapabilityUnavailable:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Hint returns the default caller hint for code.
func Hint(code string) string {
	switch code {
	case CodeInvalidRequest:
		return HintFixRequest
	case CodeLicenseInvalid, CodeDeviceMismatch, CodeNoCredentials, CodeCredentialRejected, CodeCapabilityUnavailable:
		return HintCheckCredentials
	default:
		return HintTryLater
	}
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
