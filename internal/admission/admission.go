// Package admission throttles requests per caller identity before any
// license or upstream work is done.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMinInterval is the minimum spacing between admitted requests of one
// identity.
const DefaultMinInterval = 2 * time.Second

// ErrMalformedIdentity is returned for a blank license or device.
var ErrMalformedIdentity = errors.New("malformed identity: license and device are required")

// Reasons reported on a rejected Decision.
const (
	ReasonInterval = "interval"
	ReasonQuota    = "quota"
)

// Identity is the composite caller key.
type Identity struct {
	License string
	Device  string
}

// Validate reports ErrMalformedIdentity for blank parts.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.License) == "" || strings.TrimSpace(i.Device) == "" {
		return ErrMalformedIdentity
	}
	return nil
}

// Key returns the storage key for the identity.
func (i Identity) Key() string {
	return strings.TrimSpace(i.License) + "|" + strings.TrimSpace(i.Device)
}

// Decision is the admission outcome. RetryAfter is set when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Limiter enforces the minimum interval. Implementations must check and
// record atomically per identity.
type Limiter interface {
	Admit(ctx context.Context, id Identity) (Decision, error)
}

// Admitter combines the interval limiter with an optional license quota.
type Admitter struct {
	Interval Limiter
	Quota    *Quota
}

// Admit takes one quota unit, then applies the interval limiter. A unit
// taken for a request the interval rejects is handed back, and a request
// rejected by the quota never reaches the interval limiter.
func (a *Admitter) Admit(ctx context.Context, id Identity) (Decision, error) {
	if err := id.Validate(); err != nil {
		return Decision{}, err
	}
	if a == nil {
		return Decision{Allowed: true}, nil
	}

	quota := a.Quota.Enabled()
	if quota {
		ok, wait, err := a.Quota.Take(ctx, id.License)
		if err != nil {
			return Decision{}, fmt.Errorf("quota record: %w", err)
		}
		if !ok {
			return Decision{RetryAfter: wait, Reason: ReasonQuota}, nil
		}
	}

	decision := Decision{Allowed: true}
	if a.Interval != nil {
		var err error
		decision, err = a.Interval.Admit(ctx, id)
		if err != nil || !decision.Allowed {
			if quota {
				if rerr := a.Quota.Release(ctx, id.License); rerr != nil && err == nil {
					err = fmt.Errorf("quota release: %w", rerr)
				}
			}
			return decision, err
		}
	}
	return decision, nil
}
