package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/gateway"
)

func TestRespondWithGatewayError(t *testing.T) {
	gerr := &gateway.Error{
		Code:       gateway.CodeAllCooling,
		Message:    "every credential is cooling down",
		RetryAfter: 59*time.Second + 400*time.Millisecond,
		Dominant:   gateway.DominantRateLimit,
		Attempts:   2,
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	RespondWithError(rec, req, fmt.Errorf("generate: %w", gerr))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.OK)
	require.Equal(t, gateway.CodeAllCooling, body.Error.Code)
	require.Equal(t, float64(59400), body.Error.Details["retry_after_ms"])
	require.Equal(t, gateway.HintTryLater, body.Error.Details["hint"])
	require.Equal(t, gateway.DominantRateLimit, body.Error.Details["dominant"])
	require.NotEmpty(t, body.Error.RequestID)
}

func TestRespondWithoutRetryHint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	RespondWithError(rec, req, &gateway.Error{Code: gateway.CodeDeviceMismatch, Message: "license is bound to another device"})

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, rec.Header().Get("Retry-After"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, gateway.HintCheckCredentials, body.Error.Details["hint"])
	require.NotContains(t, body.Error.Details, "retry_after_ms")
}

func TestEnsureEnvelope(t *testing.T) {
	env := EnsureEnvelope(nil)
	require.Equal(t, "INTERNAL_ERROR", env.Code)

	env = EnsureEnvelope(context.Canceled)
	require.Equal(t, "TIMEOUT", env.Code)
	require.Equal(t, http.StatusGatewayTimeout, HTTPStatusFromEnvelope(env))

	env = EnsureEnvelope(fmt.Errorf("boom"))
	require.Equal(t, "INTERNAL_ERROR", env.Code)
	require.Equal(t, "boom", env.Context["wrapped_error"])

	same := NewNotFoundError("missing")
	require.Same(t, same, EnsureEnvelope(same))
}

func TestHTTPStatusFromCode(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatusFromCode("VALIDATION_FAILED"))
	require.Equal(t, http.StatusUnauthorized, HTTPStatusFromCode("UNAUTHORIZED"))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatusFromCode(gateway.CodeLicenseAPIUnavailable))
	require.Equal(t, http.StatusPreconditionFailed, HTTPStatusFromCode(gateway.CodeNoCredentials))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatusFromCode("EXTERNAL_SERVICE_ERROR"))
	require.Equal(t, http.StatusInternalServerError, HTTPStatusFromCode("SOMETHING_ELSE"))
}
