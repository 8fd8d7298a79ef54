package pool

import "time"

// Reason explains why no slot was selected.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNoCredentials Reason = "NO_CREDENTIALS"
	ReasonAllFlagged    Reason = "ALL_FLAGGED"
	ReasonAllCooldown   Reason = "ALL_COOLDOWN"
)

// Selection is the outcome of PickReady.
type Selection struct {
	OK   bool
	Slot Slot
	// Reason is set when OK is false.
	Reason Reason
	// EarliestReady is the soonest cooldown expiry when Reason is ReasonAllCooldown.
	EarliestReady time.Time
}

// RetryAfter returns the wait until the earliest cooling slot is ready.
func (s Selection) RetryAfter(now time.Time) time.Duration {
	if s.Reason != ReasonAllCooldown || s.EarliestReady.IsZero() {
		return 0
	}
	if d := s.EarliestReady.Sub(now); d > 0 {
		return d
	}
	return 0
}

// PickReady chooses the least recently used ready slot. Slots never used
// rank first; ties fall back to slot order. Ids in exclude are skipped; when
// they are all that is left the result is ReasonAllFlagged. The pool is not
// modified.
func PickReady(p *Pool, now time.Time, exclude map[int]bool) Selection {
	if p == nil {
		return Selection{Reason: ReasonNoCredentials}
	}

	var (
		best       *Slot
		withSecret int
		flagged    int
		earliest   time.Time
	)
	for i := range p.Slots {
		slot := &p.Slots[i]
		if !slot.HasSecret() {
			continue
		}
		withSecret++
		if slot.Flagged {
			flagged++
			continue
		}
		if exclude[slot.ID] {
			continue
		}
		if slot.CoolingAt(now) {
			if earliest.IsZero() || slot.CooldownUntil.Before(earliest) {
				earliest = *slot.CooldownUntil
			}
			continue
		}
		if best == nil || usedBefore(slot, best) {
			best = slot
		}
	}

	switch {
	case best != nil:
		return Selection{OK: true, Slot: *best}
	case withSecret == 0:
		return Selection{Reason: ReasonNoCredentials}
	case !earliest.IsZero():
		return Selection{Reason: ReasonAllCooldown, EarliestReady: earliest}
	case flagged > 0:
		return Selection{Reason: ReasonAllFlagged}
	default:
		// Every candidate is excluded for this call.
		return Selection{Reason: ReasonAllFlagged}
	}
}

// usedBefore reports whether a ranks strictly ahead of b in LRU order.
// Equal timestamps keep slot order because the scan is ordered.
func usedBefore(a, b *Slot) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}
