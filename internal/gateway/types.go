package gateway

import (
	"strings"

	"github.com/keyrelay/keyrelay/internal/ailink/driver"
)

// GenerationRequest is the caller's payload.
type GenerationRequest struct {
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Validate checks caller input.
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return newError(CodeInvalidRequest, "prompt is required")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return newError(CodeInvalidRequest, "max_tokens must be positive")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return newError(CodeInvalidRequest, "temperature must be between 0 and 2")
	}
	return nil
}

// GenerationResult is the normalized success payload.
type GenerationResult struct {
	ID           string        `json:"id"`
	Output       string        `json:"output"`
	SlotID       int           `json:"slot_id"`
	Model        string        `json:"model"`
	Attempts     int           `json:"attempts"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *driver.Usage `json:"usage,omitempty"`
}
