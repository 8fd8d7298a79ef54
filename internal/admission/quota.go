package admission

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/keyrelay/keyrelay/internal/core"
)

// RateLimitStore stores windowed counters.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, key string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, key string, state *core.RateLimitState) error
}

// QuotaKeyPrefix namespaces quota rows in the rate limit table.
const QuotaKeyPrefix = "quota:"

// Quota caps admitted requests per license within a fixed window.
type Quota struct {
	Store    RateLimitStore
	Requests int
	Window   time.Duration
	Clock    func() time.Time

	mu sync.Mutex
}

// Enabled reports whether the quota applies.
func (q *Quota) Enabled() bool {
	return q != nil && q.Store != nil && q.Requests > 0 && q.Window > 0
}

// Allow checks the license budget without consuming it.
func (q *Quota) Allow(ctx context.Context, license string) (bool, time.Duration, error) {
	if !q.Enabled() {
		return true, 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok, wait, err := q.check(ctx, license)
	return ok, wait, err
}

// Take checks and consumes one unit of the license budget.
func (q *Quota) Take(ctx context.Context, license string) (bool, time.Duration, error) {
	if !q.Enabled() {
		return true, 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok, wait, err := q.check(ctx, license)
	if err != nil || !ok {
		return ok, wait, err
	}
	state.RequestCount++
	if err := q.Store.UpdateRateLimit(ctx, QuotaKey(license), state); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// Release hands back a unit taken by Take in the current window.
func (q *Quota) Release(ctx context.Context, license string) error {
	if !q.Enabled() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.Store.GetRateLimit(ctx, QuotaKey(license))
	if err != nil || state == nil || state.RequestCount == 0 {
		return err
	}
	if !q.now().Before(state.WindowStart.Add(q.Window)) {
		return nil
	}
	state.RequestCount--
	return q.Store.UpdateRateLimit(ctx, QuotaKey(license), state)
}

func (q *Quota) check(ctx context.Context, license string) (*core.RateLimitState, bool, time.Duration, error) {
	now := q.now()
	state, err := q.Store.GetRateLimit(ctx, QuotaKey(license))
	if err != nil {
		return nil, false, 0, err
	}
	if state == nil {
		state = &core.RateLimitState{WindowStart: now}
	}

	windowEnd := state.WindowStart.Add(q.Window)
	if !now.Before(windowEnd) {
		state.RequestCount = 0
		state.WindowStart = now
		windowEnd = now.Add(q.Window)
	}

	if state.RequestCount >= q.Requests {
		return state, false, windowEnd.Sub(now), nil
	}
	return state, true, 0, nil
}

// QuotaKey returns the rate limit row key for a license.
func QuotaKey(license string) string {
	return QuotaKeyPrefix + strings.TrimSpace(license)
}

func (q *Quota) now() time.Time {
	if q.Clock != nil {
		return q.Clock()
	}
	return time.Now().UTC()
}
