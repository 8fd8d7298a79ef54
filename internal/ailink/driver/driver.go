// Package driver defines the provider-agnostic upstream call used by the
// gateway. The credential travels with each request so one driver instance
// serves every slot of a pool.
package driver

import (
	"context"
	"strings"
)

// Driver defines the interface for upstream generation providers.
type Driver interface {
	// Complete sends a generation request and returns the response.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the driver identifier (e.g., "gemini").
	Name() string
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is a provider-agnostic generation request.
//
// APIKey must never be logged, traced or echoed in errors.
type Request struct {
	APIKey      string
	Model       string
	Prompt      string
	System      string
	Temperature *float64
	MaxTokens   *int
}

// Response is a provider-agnostic generation response.
type Response struct {
	Text         string
	FinishReason string
	Usage        *Usage
}

// Empty reports whether the upstream produced no usable text.
func (r *Response) Empty() bool {
	return r == nil || strings.TrimSpace(r.Text) == ""
}
