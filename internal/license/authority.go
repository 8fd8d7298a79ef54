// Package license authorizes a (license, device) pair against the external
// license authority and keeps the one-time device binding.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single authority query.
const DefaultTimeout = 8 * time.Second

// Authority status values.
const (
	StatusOK             = "OK"
	StatusBound          = "BOUND"
	StatusDeviceMismatch = "DEVICE_MISMATCH"
	StatusNotFound       = "LICENSE_NOT_FOUND"
	StatusInactive       = "LICENSE_INACTIVE"
)

// AuthorityResponse is the authority's answer for one query.
type AuthorityResponse struct {
	OK     *bool  `json:"ok"`
	Status string `json:"status,omitempty"`
	Device string `json:"device,omitempty"`
	Valid  *bool  `json:"valid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Approved reports whether the authority accepted the license.
func (r *AuthorityResponse) Approved() bool {
	if r == nil || r.OK == nil || !*r.OK {
		return false
	}
	switch strings.ToUpper(strings.TrimSpace(r.Status)) {
	case StatusOK, StatusBound:
		return true
	}
	return r.Valid != nil && *r.Valid
}

// Denial returns the authority's denial status, preferring Status over Error.
func (r *AuthorityResponse) Denial() string {
	if r == nil {
		return ""
	}
	if status := strings.ToUpper(strings.TrimSpace(r.Status)); status != "" && status != StatusOK {
		return status
	}
	return strings.ToUpper(strings.TrimSpace(r.Error))
}

// Authority answers license queries.
type Authority interface {
	Check(ctx context.Context, license, device string) (*AuthorityResponse, error)
}

// Authority failure reasons.
const (
	ReasonAPIDown        = "LICENSE_API_DOWN"
	ReasonAPIBadResponse = "LICENSE_API_BAD_RESPONSE"
)

// AuthorityError reports that the authority could not give an answer.
type AuthorityError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *AuthorityError) Error() string {
	if e == nil {
		return ""
	}
	msg := "license authority unavailable (" + e.Reason + ")"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthorityError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPAuthority queries GET <BaseURL>?license=..&device=..
type HTTPAuthority struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPAuthority(baseURL string, timeout time.Duration) *HTTPAuthority {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPAuthority{
		BaseURL:    strings.TrimSpace(baseURL),
		HTTPClient: &http.Client{},
		Timeout:    timeout,
	}
}

func (a *HTTPAuthority) Check(ctx context.Context, license, device string) (*AuthorityResponse, error) {
	if a == nil || strings.TrimSpace(a.BaseURL) == "" {
		return nil, &AuthorityError{Reason: ReasonAPIDown, Err: errors.New("authority url is not configured")}
	}
	endpoint, err := url.Parse(a.BaseURL)
	if err != nil {
		return nil, &AuthorityError{Reason: ReasonAPIDown, Err: fmt.Errorf("invalid authority url: %w", err)}
	}
	query := endpoint.Query()
	query.Set("license", license)
	query.Set("device", device)
	endpoint.RawQuery = query.Encode()

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, &AuthorityError{Reason: ReasonAPIDown, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &AuthorityError{Reason: ReasonAPIDown, Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &AuthorityError{Reason: ReasonAPIDown, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthorityError{Reason: ReasonAPIDown, StatusCode: resp.StatusCode}
	}

	var out AuthorityResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &AuthorityError{Reason: ReasonAPIBadResponse, StatusCode: resp.StatusCode, Err: err}
	}
	if out.OK == nil && strings.TrimSpace(out.Status) == "" && out.Valid == nil {
		return nil, &AuthorityError{Reason: ReasonAPIBadResponse, StatusCode: resp.StatusCode, Err: errors.New("response has no ok, status or valid field")}
	}
	return &out, nil
}
