package gateway

import (
	"fmt"
	"time"
)

// failureTally counts failed attempts of one call by category.
type failureTally struct {
	rateLimited int
	rejected    int
	other       int
	last        Outcome
	earliest    time.Time
}

func (t *failureTally) record(o Outcome) {
	switch o.Action {
	case ActionCooldown:
		t.rateLimited++
	case ActionFlag:
		t.rejected++
	default:
		t.other++
	}
	t.last = o
}

func (t *failureTally) noteCooldown(until time.Time) {
	if t.earliest.IsZero() || until.Before(t.earliest) {
		t.earliest = until
	}
}

func (t failureTally) total() int {
	return t.rateLimited + t.rejected + t.other
}

func (t failureTally) dominant() string {
	switch n := t.total(); {
	case n == 0:
		return ""
	case t.rateLimited == n:
		return DominantRateLimit
	case t.rejected == n:
		return DominantRejected
	default:
		return DominantMixed
	}
}

// exhausted builds the aggregate error once the retry budget is spent.
func (t failureTally) exhausted(attempts int, now time.Time) *Error {
	e := &Error{Attempts: attempts, Dominant: t.dominant(), Reason: t.last.Code}
	if e.Dominant == DominantRejected {
		e.Code = CodeCredentialRejected
		e.Message = "every attempted credential was rejected upstream"
		return e
	}
	e.Code = CodeAllAttemptsExhausted
	e.Message = fmt.Sprintf("no successful upstream response after %d attempts", attempts)
	if e.Dominant == DominantRateLimit {
		e.Reason = "RATE_LIMITED"
		if d := t.earliest.Sub(now); d > 0 {
			e.RetryAfter = d
		}
	}
	return e
}
