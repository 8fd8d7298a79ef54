package gateway

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer spaces upstream calls per credential slot.
type Pacer struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPacer returns a pacer allowing rps calls per second per slot. A
// non-positive rps disables pacing and returns nil.
func NewPacer(rps float64, burst int) *Pacer {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Pacer{limit: rate.Limit(rps), burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the slot may be called or ctx is done.
func (p *Pacer) Wait(ctx context.Context, owner string, slotID int) error {
	if p == nil {
		return nil
	}
	return p.limiter(owner, slotID).Wait(ctx)
}

// Forget drops the limiter of a slot, e.g. after its secret changed.
func (p *Pacer) Forget(owner string, slotID int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.limiters, pacerKey(owner, slotID))
	p.mu.Unlock()
}

func (p *Pacer) limiter(owner string, slotID int) *rate.Limiter {
	key := pacerKey(owner, slotID)
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	return l
}

func pacerKey(owner string, slotID int) string {
	return owner + "#" + strconv.Itoa(slotID)
}
