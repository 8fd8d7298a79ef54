package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps the last admission time per identity in process memory
// and evicts identities idle for longer than idleTTL.
type MemoryLimiter struct {
	mu           sync.Mutex
	last         map[string]time.Time
	interval     time.Duration
	idleTTL      time.Duration
	cleanupEvery time.Duration
	clock        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type MemoryOption func(*MemoryLimiter)

func WithIdleTTL(d time.Duration) MemoryOption {
	return func(m *MemoryLimiter) { m.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(m *MemoryLimiter) { m.cleanupEvery = d }
}

func WithClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.clock = clock }
}

func NewMemoryLimiter(interval time.Duration, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		last:         make(map[string]time.Time),
		interval:     interval,
		idleTTL:      30 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		clock:        time.Now,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.idleTTL < m.interval {
		m.idleTTL = m.interval
	}
	return m
}

func (m *MemoryLimiter) Admit(_ context.Context, id Identity) (Decision, error) {
	if err := id.Validate(); err != nil {
		return Decision{}, err
	}
	key := id.Key()
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.last[key]; ok {
		if elapsed := now.Sub(last); elapsed < m.interval {
			return Decision{RetryAfter: m.interval - elapsed, Reason: ReasonInterval}, nil
		}
	}
	m.last[key] = now
	return Decision{Allowed: true}, nil
}

// Len returns the number of tracked identities.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last)
}

// Cleanup drops identities idle past idleTTL.
func (m *MemoryLimiter) Cleanup() {
	cutoff := m.clock().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, last := range m.last {
		if last.Before(cutoff) {
			delete(m.last, key)
		}
	}
}

// StartJanitor runs Cleanup periodically until ctx is done or Close is called.
func (m *MemoryLimiter) StartJanitor(ctx context.Context) {
	if m.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(m.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-t.C:
				m.Cleanup()
			}
		}
	}()
}

// Close stops the janitor.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
