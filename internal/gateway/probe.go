package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyrelay/keyrelay/internal/ailink/driver"
)

// Probe statuses.
const (
	ProbeOK               = "ok"
	ProbeRateLimited      = "rate_limited"
	ProbeRejected         = "rejected"
	ProbeModelUnavailable = "model_unavailable"
	ProbeEmpty            = "empty"
	ProbeBadResponse      = "bad_response"
	ProbeTransient        = "transient"
)

const probePrompt = "ping"

// ErrNoSecret is returned when probing an empty slot.
var ErrNoSecret = errors.New("slot has no secret")

// ProbeResult reports how the upstream treated one credential.
type ProbeResult struct {
	SlotID     int           `json:"slot_id,omitempty"`
	Model      string        `json:"model"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Detail     string        `json:"detail,omitempty"`
}

// ProbeKey issues a minimal generation with key and classifies the result.
func ProbeKey(ctx context.Context, d driver.Driver, c Classifier, key, model string) ProbeResult {
	if c == nil {
		c = StatusClassifier{}
	}
	maxTokens := 8
	start := time.Now()
	resp, err := d.Complete(ctx, &driver.Request{APIKey: key, Model: model, Prompt: probePrompt, MaxTokens: &maxTokens})
	out := c.Classify(resp, err)
	result := ProbeResult{Model: model, StatusCode: out.StatusCode, Latency: time.Since(start), Detail: out.Detail}

	switch out.Action {
	case ActionSuccess:
		result.Status = ProbeOK
	case ActionCooldown:
		result.Status = ProbeRateLimited
	case ActionFlag:
		result.Status = ProbeRejected
	case ActionNextCapability:
		result.Status = ProbeModelUnavailable
	case ActionFail:
		result.Status = ProbeBadResponse
		if out.Code == CodeUpstreamEmpty {
			result.Status = ProbeEmpty
		}
	default:
		result.Status = ProbeTransient
		if out.Code == CodeUpstreamEmpty {
			result.Status = ProbeEmpty
		}
	}
	return result
}

// Probe checks one pool slot with the primary model. It does not change the
// slot; callers decide whether to replace a rejected secret.
func (g *Gateway) Probe(ctx context.Context, owner string, slotID int) (ProbeResult, error) {
	secret, err := g.pool.Secret(ctx, owner, slotID)
	if err != nil {
		return ProbeResult{}, err
	}
	if secret == "" {
		return ProbeResult{}, fmt.Errorf("%w: slot %d", ErrNoSecret, slotID)
	}
	if err := g.pacer.Wait(ctx, owner, slotID); err != nil {
		return ProbeResult{}, fmt.Errorf("pace slot %d: %w", slotID, err)
	}
	result := ProbeKey(ctx, g.driver, g.policy.Classifier, secret, g.policy.Models[0])
	result.SlotID = slotID
	return result, nil
}
