package driver

import "fmt"

// ProviderError is returned when a provider responds with a non-2xx status.
//
// Drivers should populate RawResponse with the provider response body bytes.
// RawResponse must never include API keys.
type ProviderError struct {
	Provider    string
	StatusCode  int
	Message     string
	RawResponse []byte
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

// DecodeError is returned when a 2xx response body cannot be decoded into
// the provider's response shape.
type DecodeError struct {
	Provider    string
	RawResponse []byte
	Err         error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "decode error"
	}
	return fmt.Sprintf("%s response could not be decoded: %v", e.Provider, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Truncate shortens provider text for error messages.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
