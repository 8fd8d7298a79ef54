// Package pool holds the caller-scoped credential pool: up to MaxSlots
// upstream API keys with their usage and cooldown metadata.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxSlots is the fixed number of credential slots in a pool.
const MaxSlots = 5

// State is the derived lifecycle state of a slot.
type State string

const (
	StateEmpty   State = "empty"
	StateReady   State = "ready"
	StateCooling State = "cooling"
	StateFlagged State = "flagged"
)

// ErrInvalidSlot is returned for slot ids outside 1..MaxSlots.
var ErrInvalidSlot = errors.New("invalid credential slot")

// Slot is one credential plus its usage metadata.
type Slot struct {
	ID            int        `json:"id"`
	Secret        string     `json:"secret,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Flagged       bool       `json:"flagged,omitempty"`
}

// HasSecret reports whether the slot carries a usable secret.
func (s Slot) HasSecret() bool {
	return strings.TrimSpace(s.Secret) != ""
}

// CoolingAt reports whether the slot is excluded by cooldown at now.
func (s Slot) CoolingAt(now time.Time) bool {
	return s.CooldownUntil != nil && s.CooldownUntil.After(now)
}

// StateAt derives the slot state at now. Cooldown expiry is lazy: nothing
// has to run when the timestamp elapses.
func (s Slot) StateAt(now time.Time) State {
	switch {
	case !s.HasSecret():
		return StateEmpty
	case s.Flagged:
		return StateFlagged
	case s.CoolingAt(now):
		return StateCooling
	default:
		return StateReady
	}
}

// Masked returns a display form of the secret.
func (s Slot) Masked() string {
	secret := strings.TrimSpace(s.Secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// Pool is the ordered slot list for one owner. It is persisted as a single
// document.
type Pool struct {
	Owner     string    `json:"owner"`
	Slots     []Slot    `json:"slots"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a pool of MaxSlots empty slots.
func New(owner string) *Pool {
	p := &Pool{Owner: owner, Slots: make([]Slot, MaxSlots)}
	for i := range p.Slots {
		p.Slots[i].ID = i + 1
	}
	return p
}

// Clone returns a deep copy so callers never share timestamp pointers.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	out := &Pool{Owner: p.Owner, UpdatedAt: p.UpdatedAt, Slots: make([]Slot, len(p.Slots))}
	for i, slot := range p.Slots {
		out.Slots[i] = slot
		out.Slots[i].LastUsedAt = cloneTime(slot.LastUsedAt)
		out.Slots[i].CooldownUntil = cloneTime(slot.CooldownUntil)
	}
	return out
}

// Repair fixes the shape of a decoded document: it keeps at most MaxSlots
// slots and fills missing ids. Cooldowns are left as stored.
func (p *Pool) Repair() {
	if p == nil {
		return
	}
	byID := make(map[int]Slot, len(p.Slots))
	for i, slot := range p.Slots {
		id := slot.ID
		if id < 1 || id > MaxSlots {
			id = i + 1
		}
		if id > MaxSlots {
			continue
		}
		if _, dup := byID[id]; dup {
			continue
		}
		slot.ID = id
		byID[id] = slot
	}

	slots := make([]Slot, MaxSlots)
	for i := range slots {
		slot, ok := byID[i+1]
		if !ok {
			slot = Slot{ID: i + 1}
		}
		slots[i] = slot
	}
	p.Slots = slots
}

// Normalize repairs the document and drops cooldowns that elapsed before now.
func (p *Pool) Normalize(now time.Time) {
	if p == nil {
		return
	}
	p.Repair()
	for i := range p.Slots {
		if until := p.Slots[i].CooldownUntil; until != nil && !until.After(now) {
			p.Slots[i].CooldownUntil = nil
		}
	}
}

// Slot returns a pointer to the slot with the given id.
func (p *Pool) Slot(id int) (*Slot, error) {
	if p == nil || id < 1 || id > len(p.Slots) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, id)
	}
	slot := &p.Slots[id-1]
	if slot.ID != id {
		for i := range p.Slots {
			if p.Slots[i].ID == id {
				return &p.Slots[i], nil
			}
		}
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, id)
	}
	return slot, nil
}

// Store persists pools as whole documents. Load of an unknown owner returns
// an initialized pool, not an error.
type Store interface {
	LoadPool(ctx context.Context, owner string) (*Pool, error)
	SavePool(ctx context.Context, p *Pool) error
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
