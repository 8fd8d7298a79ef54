package gemini

import (
	"encoding/json"
	"strings"

	"github.com/keyrelay/keyrelay/internal/ailink/driver"
)

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type errorBody struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func toDriverResponse(resp *generateResponse) *driver.Response {
	out := &driver.Response{}
	if resp == nil {
		return out
	}

	// Only the first candidate is used; its parts are joined in order.
	if len(resp.Candidates) > 0 {
		first := resp.Candidates[0]
		out.FinishReason = first.FinishReason
		if first.Content != nil {
			var b strings.Builder
			for _, p := range first.Content.Parts {
				b.WriteString(p.Text)
			}
			out.Text = b.String()
		}
	} else if resp.PromptFeedback != nil {
		out.FinishReason = resp.PromptFeedback.BlockReason
	}

	if resp.UsageMetadata != nil {
		out.Usage = &driver.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

// errorMessage extracts "STATUS: message" from a Gemini error body, falling
// back to the trimmed raw text.
func errorMessage(body []byte) string {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		msg := strings.TrimSpace(parsed.Error.Message)
		if status := strings.TrimSpace(parsed.Error.Status); status != "" {
			if msg == "" {
				return status
			}
			return status + ": " + msg
		}
		if msg != "" {
			return msg
		}
	}
	return driver.Truncate(strings.TrimSpace(string(body)), 512)
}
