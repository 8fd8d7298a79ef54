package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/keyrelay/keyrelay/internal/ailink/driver"
)

// Action is what the retry loop does with a classified upstream outcome.
type Action int

const (
	ActionSuccess Action = iota
	// ActionRetrySame backs off and tries again; the same slot may be reused.
	ActionRetrySame
	// ActionNextCapability moves to the next model without rotating credentials.
	ActionNextCapability
	// ActionCooldown cools the slot for the policy window.
	ActionCooldown
	// ActionFlag marks the slot as rejected upstream and skips it for the call.
	ActionFlag
	// ActionFail stops the loop with Outcome.Code.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionSuccess:
		return "success"
	case ActionRetrySame:
		return "retry_same"
	case ActionNextCapability:
		return "next_capability"
	case ActionCooldown:
		return "cooldown"
	case ActionFlag:
		return "flag"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome is the classification of one upstream call.
type Outcome struct {
	Action     Action
	Code       string
	StatusCode int
	Detail     string
}

// Classifier maps an upstream result to an Outcome.
type Classifier interface {
	Classify(resp *driver.Response, err error) Outcome
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(resp *driver.Response, err error) Outcome

func (f ClassifierFunc) Classify(resp *driver.Response, err error) Outcome {
	return f(resp, err)
}

// StatusClassifier is the default classification by HTTP status and error
// body markers.
type StatusClassifier struct {
	RetryEmptyResult bool
}

var (
	rateLimitMarkers = []string{"resource_exhausted", "quota", "rate limit"}
	rejectedMarkers  = []string{"api key not valid", "api_key_invalid", "permission", "invalid api key", "incorrect api key", "api key expired"}
)

func (c StatusClassifier) Classify(resp *driver.Response, err error) Outcome {
	if err == nil {
		if resp.Empty() {
			if c.RetryEmptyResult {
				return Outcome{Action: ActionRetrySame, Code: CodeUpstreamEmpty, Detail: "empty result"}
			}
			return Outcome{Action: ActionFail, Code: CodeUpstreamEmpty, Detail: "upstream returned no content"}
		}
		return Outcome{Action: ActionSuccess}
	}

	var derr *driver.DecodeError
	if errors.As(err, &derr) {
		return Outcome{Action: ActionFail, Code: CodeUpstreamBadResponse, Detail: derr.Error()}
	}

	var perr *driver.ProviderError
	if errors.As(err, &perr) && perr != nil {
		status := perr.StatusCode
		detail := driver.Truncate(strings.TrimSpace(perr.Message), 200)
		msg := strings.ToLower(perr.Message)
		out := Outcome{StatusCode: status, Detail: detail}
		// The status decides first; body markers only classify other statuses.
		switch {
		case status == 429:
			out.Action = ActionCooldown
		case status == 401 || status == 403:
			out.Action, out.Code = ActionFlag, CodeCredentialRejected
		case containsAny(msg, rejectedMarkers):
			out.Action, out.Code = ActionFlag, CodeCredentialRejected
		case containsAny(msg, rateLimitMarkers):
			out.Action = ActionCooldown
		case status == 404:
			out.Action, out.Code = ActionNextCapability, CodeCapabilityUnavailable
		default:
			out.Action, out.Code = ActionRetrySame, CodeUpstreamTransient
		}
		return out
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Action: ActionRetrySame, Code: CodeUpstreamTransient, Detail: "upstream timed out"}
	}
	return Outcome{Action: ActionRetrySame, Code: CodeUpstreamTransient, Detail: err.Error()}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Backoff configures the transient retry delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Policy is the declarative retry policy.
type Policy struct {
	// Models is the capability fallback list; the first entry is primary.
	Models         []string
	MaxAttempts    int
	CooldownWindow time.Duration
	Backoff        Backoff
	Classifier     Classifier
}

// DefaultPolicy returns the reference policy.
func DefaultPolicy() Policy {
	return Policy{
		Models:         []string{"gemini-2.5-flash", "gemini-2.0-flash"},
		MaxAttempts:    5,
		CooldownWindow: 60 * time.Second,
		Backoff:        Backoff{Initial: 800 * time.Millisecond, Max: 8 * time.Second, Multiplier: 2},
		Classifier:     StatusClassifier{},
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if len(p.Models) == 0 {
		p.Models = def.Models
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.CooldownWindow <= 0 {
		p.CooldownWindow = def.CooldownWindow
	}
	if p.Backoff.Initial <= 0 {
		p.Backoff.Initial = def.Backoff.Initial
	}
	if p.Backoff.Max < p.Backoff.Initial {
		p.Backoff.Max = p.Backoff.Initial
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if p.Classifier == nil {
		p.Classifier = def.Classifier
	}
	return p
}

// candidates returns the model order for one call. A requested model goes
// first, followed by the configured list without duplicates.
func (p Policy) candidates(requested string) []string {
	out := make([]string, 0, len(p.Models)+1)
	seen := make(map[string]bool, len(p.Models)+1)
	add := func(m string) {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			return
		}
		seen[m] = true
		out = append(out, m)
	}
	add(requested)
	for _, m := range p.Models {
		add(m)
	}
	return out
}

func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff.Initial
	b.MaxInterval = p.Backoff.Max
	b.Multiplier = p.Backoff.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
