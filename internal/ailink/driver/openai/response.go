package openai

import (
	"encoding/json"
	"strings"

	"github.com/keyrelay/keyrelay/internal/ailink/driver"
)

type chatCompletionResponse struct {
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorBody struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// toDriverResponse maps the first choice. A response without choices maps
// to an empty Response, which callers treat as an empty result.
func toDriverResponse(resp *chatCompletionResponse) *driver.Response {
	out := &driver.Response{}
	if resp == nil {
		return out
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	if resp.Usage != nil {
		out.Usage = &driver.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}

func errorMessage(body []byte) string {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		msg := strings.TrimSpace(parsed.Error.Message)
		if typ := strings.TrimSpace(parsed.Error.Type); typ != "" && msg != "" {
			return typ + ": " + msg
		}
		if msg != "" {
			return msg
		}
	}
	return driver.Truncate(strings.TrimSpace(string(body)), 512)
}
