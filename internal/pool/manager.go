package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrEmptySecret is returned when a blank secret is stored.
var ErrEmptySecret = errors.New("secret is empty")

// Manager serializes slot selection and mutation per owner and tracks
// in-flight leases so concurrent calls never share a slot for one attempt.
type Manager struct {
	Store Store
	Clock func() time.Time

	mu     sync.Mutex
	owners map[string]*ownerState
}

type ownerState struct {
	mu       sync.Mutex
	leased   map[int]bool
	released chan struct{}
}

// Lease is an exclusive claim on one slot for the duration of an attempt.
type Lease struct {
	Owner string
	Slot  Slot

	manager *Manager
	once    sync.Once
}

// SlotStatus is a display view of a slot with the secret masked.
type SlotStatus struct {
	ID            int        `json:"id"`
	Secret        string     `json:"secret,omitempty"`
	State         State      `json:"state"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// NewManager builds a manager over store.
func NewManager(store Store) *Manager {
	return &Manager{Store: store, Clock: time.Now}
}

// Acquire leases the least recently used ready slot not in exclude. When the
// only ready slots are leased by other callers it waits for a release. A
// failed selection is returned with a nil lease and nil error.
func (m *Manager) Acquire(ctx context.Context, owner string, exclude map[int]bool) (*Lease, Selection, error) {
	if m == nil || m.Store == nil {
		return nil, Selection{}, errors.New("pool manager is not initialized")
	}
	state := m.owner(owner)

	for {
		state.mu.Lock()
		p, err := m.load(ctx, owner)
		if err != nil {
			state.mu.Unlock()
			return nil, Selection{}, fmt.Errorf("load pool: %w", err)
		}
		now := m.now()

		combined := make(map[int]bool, len(exclude)+len(state.leased))
		for id, v := range exclude {
			combined[id] = v
		}
		for id := range state.leased {
			combined[id] = true
		}

		sel := PickReady(p, now, combined)
		if sel.OK {
			state.leased[sel.Slot.ID] = true
			state.mu.Unlock()
			return &Lease{Owner: owner, Slot: sel.Slot, manager: m}, sel, nil
		}

		if len(state.leased) == 0 {
			state.mu.Unlock()
			return nil, sel, nil
		}
		// Without the leases, would something be ready? If not, waiting
		// cannot help.
		if free := PickReady(p, now, exclude); !free.OK {
			state.mu.Unlock()
			return nil, free, nil
		}
		wait := state.released
		state.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, Selection{}, ctx.Err()
		case <-wait:
		}
	}
}

// Release returns the slot to the pool. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil || l.manager == nil {
		return
	}
	l.once.Do(func() {
		state := l.manager.owner(l.Owner)
		state.mu.Lock()
		delete(state.leased, l.Slot.ID)
		close(state.released)
		state.released = make(chan struct{})
		state.mu.Unlock()
	})
}

// MarkUsed records a successful call on the slot.
func (m *Manager) MarkUsed(ctx context.Context, owner string, id int) error {
	return m.update(ctx, owner, id, func(s *Slot, now time.Time) error {
		s.LastUsedAt = &now
		s.LastError = ""
		return nil
	})
}

// MarkCooldown excludes the slot from selection until now+window.
func (m *Manager) MarkCooldown(ctx context.Context, owner string, id int, window time.Duration, reason string) (time.Time, error) {
	var until time.Time
	err := m.update(ctx, owner, id, func(s *Slot, now time.Time) error {
		until = now.Add(window)
		s.CooldownUntil = &until
		s.LastError = reason
		return nil
	})
	return until, err
}

// MarkFlagged excludes the slot until its secret is replaced.
func (m *Manager) MarkFlagged(ctx context.Context, owner string, id int, reason string) error {
	return m.update(ctx, owner, id, func(s *Slot, _ time.Time) error {
		s.Flagged = true
		s.LastError = reason
		return nil
	})
}

// RecordError stores the last error without changing availability.
func (m *Manager) RecordError(ctx context.Context, owner string, id int, reason string) error {
	return m.update(ctx, owner, id, func(s *Slot, _ time.Time) error {
		s.LastError = reason
		return nil
	})
}

// SetSecret replaces the slot secret and resets its metadata.
func (m *Manager) SetSecret(ctx context.Context, owner string, id int, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ErrEmptySecret
	}
	return m.update(ctx, owner, id, func(s *Slot, _ time.Time) error {
		*s = Slot{ID: s.ID, Secret: secret}
		return nil
	})
}

// ClearSecret empties the slot.
func (m *Manager) ClearSecret(ctx context.Context, owner string, id int) error {
	return m.update(ctx, owner, id, func(s *Slot, _ time.Time) error {
		*s = Slot{ID: s.ID}
		return nil
	})
}

// List returns every slot of the owner's pool with masked secrets.
func (m *Manager) List(ctx context.Context, owner string) ([]SlotStatus, error) {
	if m == nil || m.Store == nil {
		return nil, errors.New("pool manager is not initialized")
	}
	p, err := m.load(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	now := m.now()
	out := make([]SlotStatus, 0, len(p.Slots))
	for _, slot := range p.Slots {
		status := SlotStatus{
			ID:         slot.ID,
			Secret:     slot.Masked(),
			State:      slot.StateAt(now),
			LastUsedAt: cloneTime(slot.LastUsedAt),
			LastError:  slot.LastError,
		}
		if slot.CoolingAt(now) {
			status.CooldownUntil = cloneTime(slot.CooldownUntil)
		}
		out = append(out, status)
	}
	return out, nil
}

// Secret returns the raw secret of one slot. Used by the probe command only.
func (m *Manager) Secret(ctx context.Context, owner string, id int) (string, error) {
	if m == nil || m.Store == nil {
		return "", errors.New("pool manager is not initialized")
	}
	p, err := m.load(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("load pool: %w", err)
	}
	slot, err := p.Slot(id)
	if err != nil {
		return "", err
	}
	return slot.Secret, nil
}

func (m *Manager) update(ctx context.Context, owner string, id int, fn func(*Slot, time.Time) error) error {
	if m == nil || m.Store == nil {
		return errors.New("pool manager is not initialized")
	}
	if id < 1 || id > MaxSlots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, id)
	}
	state := m.owner(owner)
	state.mu.Lock()
	defer state.mu.Unlock()

	p, err := m.load(ctx, owner)
	if err != nil {
		return fmt.Errorf("load pool: %w", err)
	}
	now := m.now()
	slot, err := p.Slot(id)
	if err != nil {
		return err
	}
	if err := fn(slot, now); err != nil {
		return err
	}
	p.Normalize(now)
	p.UpdatedAt = now
	if err := m.Store.SavePool(ctx, p); err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	return nil
}

// load reads the owner's pool and clears cooldowns elapsed by the
// manager's clock.
func (m *Manager) load(ctx context.Context, owner string) (*Pool, error) {
	p, err := m.Store.LoadPool(ctx, owner)
	if err != nil {
		return nil, err
	}
	p.Normalize(m.now())
	return p, nil
}

func (m *Manager) owner(owner string) *ownerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners == nil {
		m.owners = make(map[string]*ownerState)
	}
	state, ok := m.owners[owner]
	if !ok {
		state = &ownerState{leased: make(map[int]bool), released: make(chan struct{})}
		m.owners[owner] = state
	}
	return state
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}
