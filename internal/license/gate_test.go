package license

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubAuthority struct {
	resp *AuthorityResponse
	err  error
}

func (s stubAuthority) Check(context.Context, string, string) (*AuthorityResponse, error) {
	return s.resp, s.err
}

func boolPtr(v bool) *bool { return &v }

func okResponse() *AuthorityResponse {
	return &AuthorityResponse{OK: boolPtr(true), Status: StatusOK}
}

func TestGateDecisionTable(t *testing.T) {
	cases := []struct {
		name   string
		resp   *AuthorityResponse
		err    error
		ok     bool
		code   string
		reason string
	}{
		{name: "ok", resp: okResponse(), ok: true},
		{name: "bound with ok", resp: &AuthorityResponse{OK: boolPtr(true), Status: StatusBound}, ok: true},
		{name: "valid flag", resp: &AuthorityResponse{OK: boolPtr(true), Valid: boolPtr(true)}, ok: true},
		{name: "ok without status", resp: &AuthorityResponse{OK: boolPtr(true)}, code: CodeLicenseInvalid},
		{name: "not found", resp: &AuthorityResponse{OK: boolPtr(false), Error: "LICENSE_NOT_FOUND"}, code: CodeLicenseInvalid},
		{name: "inactive", resp: &AuthorityResponse{OK: boolPtr(false), Status: StatusInactive}, code: CodeLicenseInvalid},
		{name: "authority mismatch", resp: &AuthorityResponse{OK: boolPtr(false), Status: StatusDeviceMismatch}, code: CodeDeviceMismatch},
		{name: "bound elsewhere", resp: &AuthorityResponse{OK: boolPtr(false), Status: StatusBound, Device: "dev-x"}, code: CodeDeviceMismatch},
		{name: "ok for other device", resp: &AuthorityResponse{OK: boolPtr(true), Status: StatusOK, Device: "dev-x"}, code: CodeDeviceMismatch},
		{name: "down", err: &AuthorityError{Reason: ReasonAPIDown}, code: CodeAPIUnavailable, reason: ReasonAPIDown},
		{name: "bad body", err: &AuthorityError{Reason: ReasonAPIBadResponse}, code: CodeAPIUnavailable, reason: ReasonAPIBadResponse},
		{name: "untyped error", err: fmt.Errorf("boom"), code: CodeAPIUnavailable, reason: ReasonAPIDown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := NewGate(stubAuthority{resp: tc.resp, err: tc.err}, NewMemoryBindings())
			verdict, err := gate.Authorize(context.Background(), "lic-1", "dev-1")
			require.NoError(t, err)
			require.Equal(t, tc.ok, verdict.OK)
			require.Equal(t, tc.code, verdict.Code)
			require.Equal(t, tc.reason, verdict.Reason)
		})
	}
}

func TestGateRejectsBlankInput(t *testing.T) {
	gate := NewGate(stubAuthority{resp: okResponse()}, NewMemoryBindings())
	_, err := gate.Authorize(context.Background(), "", "dev")
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestGateFirstDeviceWins(t *testing.T) {
	gate := NewGate(stubAuthority{resp: okResponse()}, NewMemoryBindings())
	ctx := context.Background()

	verdict, err := gate.Authorize(ctx, "lic-1", "dev-a")
	require.NoError(t, err)
	require.True(t, verdict.OK)

	verdict, err = gate.Authorize(ctx, "lic-1", "dev-b")
	require.NoError(t, err)
	require.False(t, verdict.OK)
	require.Equal(t, CodeDeviceMismatch, verdict.Code)

	verdict, err = gate.Authorize(ctx, "lic-1", "dev-a")
	require.NoError(t, err)
	require.True(t, verdict.OK)
}

func TestGateConcurrentFirstBinding(t *testing.T) {
	for run := 0; run < 20; run++ {
		gate := NewGate(stubAuthority{resp: okResponse()}, NewMemoryBindings())
		devices := []string{"dev-a", "dev-b", "dev-c", "dev-d"}
		verdicts := make([]Verdict, len(devices))

		var wg sync.WaitGroup
		for i, device := range devices {
			wg.Add(1)
			go func(i int, device string) {
				defer wg.Done()
				v, err := gate.Authorize(context.Background(), "lic-1", device)
				if err == nil {
					verdicts[i] = v
				}
			}(i, device)
		}
		wg.Wait()

		winners := 0
		var bound string
		for i, v := range verdicts {
			if v.OK {
				winners++
				bound = devices[i]
				continue
			}
			require.Equal(t, CodeDeviceMismatch, v.Code)
		}
		require.Equal(t, 1, winners)

		for _, device := range devices {
			v, err := gate.Authorize(context.Background(), "lic-1", device)
			require.NoError(t, err)
			require.Equal(t, device == bound, v.OK)
		}
	}
}

func TestHTTPAuthority(t *testing.T) {
	var gotLicense, gotDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLicense = r.URL.Query().Get("license")
		gotDevice = r.URL.Query().Get("device")
		switch gotLicense {
		case "LIC-OK":
			_, _ = w.Write([]byte(`{"ok":true,"status":"OK","device":"dev 1"}`))
		case "LIC-500":
			w.WriteHeader(http.StatusInternalServerError)
		case "LIC-HTML":
			_, _ = w.Write([]byte(`<html>maintenance</html>`))
		case "LIC-EMPTY":
			_, _ = w.Write([]byte(`{}`))
		case "LIC-SLOW":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"ok":true,"status":"OK"}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error":"LICENSE_NOT_FOUND"}`))
		}
	}))
	defer srv.Close()

	authority := NewHTTPAuthority(srv.URL+"/exec?app=relay", time.Second)
	ctx := context.Background()

	resp, err := authority.Check(ctx, "LIC-OK", "dev 1")
	require.NoError(t, err)
	require.True(t, resp.Approved())
	require.Equal(t, "LIC-OK", gotLicense)
	require.Equal(t, "dev 1", gotDevice)

	resp, err = authority.Check(ctx, "LIC-NOPE", "dev")
	require.NoError(t, err)
	require.False(t, resp.Approved())
	require.Equal(t, StatusNotFound, resp.Denial())

	for license, reason := range map[string]string{
		"LIC-500":   ReasonAPIDown,
		"LIC-HTML":  ReasonAPIBadResponse,
		"LIC-EMPTY": ReasonAPIBadResponse,
	} {
		_, err := authority.Check(ctx, license, "dev")
		var authErr *AuthorityError
		require.ErrorAs(t, err, &authErr, license)
		require.Equal(t, reason, authErr.Reason, license)
	}

	authority.Timeout = 50 * time.Millisecond
	_, err = authority.Check(ctx, "LIC-SLOW", "dev")
	var authErr *AuthorityError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, ReasonAPIDown, authErr.Reason)

	_, err = NewHTTPAuthority("", 0).Check(ctx, "LIC-OK", "dev")
	require.ErrorAs(t, err, &authErr)
}
