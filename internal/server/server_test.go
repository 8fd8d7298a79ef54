package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/ailink/driver/gemini"
	apperrors "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/license"
	"github.com/keyrelay/keyrelay/internal/pool"
	"github.com/keyrelay/keyrelay/internal/server/handlers"
	"github.com/keyrelay/keyrelay/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type allowAll struct{}

func (allowAll) Check(context.Context, string, string) (*license.AuthorityResponse, error) {
	ok := true
	return &license.AuthorityResponse{OK: &ok, Status: license.StatusOK}, nil
}

// fakeUpstream answers like the generateContent endpoint. "key-limited" is
// always rate limited.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("x-goog-api-key") == "key-limited" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"pong"}]},"finishReason":"STOP"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testServer struct {
	handler  http.Handler
	sessions *session.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	upstream := fakeUpstream(t)
	client := gemini.NewClient(upstream.URL)
	client.HTTPClient = upstream.Client()

	gw, err := gateway.New(gateway.Options{
		License: license.NewGate(allowAll{}, license.NewMemoryBindings()),
		Pool:    pool.NewManager(pool.NewMemoryStore()),
		Driver:  client,
		Sleep:   func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)

	sessions, err := session.NewManager(testSecret)
	require.NoError(t, err)

	srv := New(Options{API: &handlers.API{Gateway: gw, Sessions: sessions}})
	return &testServer{handler: srv.Handler(), sessions: sessions}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, lic, device string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/session", "", map[string]string{"license": lic, "device": device})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.False(t, body.OK)
	return body
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	srv := New(Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)
}

func TestGenerateWithSession(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "LIC-1", "dev-1")

	rec := ts.do(t, http.MethodPut, "/v1/credentials/1", token, map[string]string{"secret": "key-good-0001"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotContains(t, rec.Body.String(), "key-good-0001")

	rec = ts.do(t, http.MethodPost, "/v1/generate", token, map[string]string{"prompt": "ping"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		OK       bool   `json:"ok"`
		ID       string `json:"id"`
		Output   string `json:"output"`
		SlotID   int    `json:"slot_id"`
		Model    string `json:"model"`
		Attempts int    `json:"attempts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.OK)
	require.Equal(t, "pong", resp.Output)
	require.Equal(t, 1, resp.SlotID)
	require.Equal(t, 1, resp.Attempts)
	require.Equal(t, "gemini-2.5-flash", resp.Model)
	require.Len(t, resp.ID, 26)
}

func TestGenerateWithBodyIdentity(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "LIC-2", "dev-1")
	rec := ts.do(t, http.MethodPut, "/v1/credentials/2", token, map[string]string{"secret": "key-good-0002"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/generate", "", map[string]string{
		"license": "LIC-2", "device": "dev-1", "prompt": "ping",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/v1/generate", "", map[string]string{
		"license": "LIC-2", "device": "dev-other", "prompt": "ping",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, gateway.CodeDeviceMismatch, decodeError(t, rec).Error.Code)
}

func TestGenerateCoolingReturnsRetryAfter(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "LIC-3", "dev-1")
	rec := ts.do(t, http.MethodPut, "/v1/credentials/1", token, map[string]string{"secret": "key-limited"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/generate", token, map[string]string{"prompt": "ping"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	body := decodeError(t, rec)
	require.Equal(t, gateway.CodeAllCooling, body.Error.Code)
	require.Equal(t, "try_later", body.Error.Details["hint"])
	require.InDelta(t, 60000, body.Error.Details["retry_after_ms"], 1000)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/generate", "", map[string]any{"prompt": "x", "bogus": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/generate", "", map[string]any{"prompt": "x", "temperature": 3})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/generate", "", map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, gateway.CodeInvalidRequest, decodeError(t, rec).Error.Code)

	rec = ts.do(t, http.MethodPost, "/v1/generate", "not-a-token", map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCredentialRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/credentials", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token := ts.login(t, "LIC-4", "dev-1")
	rec = ts.do(t, http.MethodPut, "/v1/credentials/9", token, map[string]string{"secret": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/v1/credentials/3", token, map[string]string{"secret": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/v1/credentials/3", token, map[string]string{"secret": "key-good-0003"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/credentials/3/probe", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = ts.do(t, http.MethodPost, "/v1/credentials/4/probe", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/credentials/3", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Slots []pool.SlotStatus `json:"slots"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Slots, pool.MaxSlots)
	for _, slot := range list.Slots {
		require.Equal(t, pool.StateEmpty, slot.State)
	}
}

func TestSessionRequiresValidBody(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/session", "", map[string]string{"license": "LIC-5"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "VALIDATION_FAILED", decodeError(t, rec).Error.Code)
}
