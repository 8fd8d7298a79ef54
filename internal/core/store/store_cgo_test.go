//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/pool"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{
		Driver: "libsql",
		Path:   filepath.Join(t.TempDir(), "keyrelay.db"),
	}
	s, err := OpenAndMigrate(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMemoryStore(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	require.Equal(t, "libsql", s.Driver())
	require.NoError(t, s.Close())
}

func TestPoolDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.LoadPool(ctx, "lic-1")
	require.NoError(t, err)
	require.Len(t, p.Slots, pool.MaxSlots)

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	p.Slots[0].Secret = "key-a"
	p.Slots[1].Secret = "key-b"
	p.Slots[1].CooldownUntil = &until
	p.Slots[1].LastError = "rate limited"
	require.NoError(t, s.SavePool(ctx, p))

	loaded, err := s.LoadPool(ctx, "lic-1")
	require.NoError(t, err)
	require.Equal(t, "key-a", loaded.Slots[0].Secret)
	require.NotNil(t, loaded.Slots[1].CooldownUntil)
	require.True(t, until.Equal(*loaded.Slots[1].CooldownUntil))

	other, err := s.LoadPool(ctx, "lic-2")
	require.NoError(t, err)
	require.False(t, other.Slots[0].HasSecret())
}

func TestManagerOverStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := pool.NewManager(s)

	require.NoError(t, m.SetSecret(ctx, "lic-1", 3, "key-c"))
	lease, sel, err := m.Acquire(ctx, "lic-1", nil)
	require.NoError(t, err)
	require.True(t, sel.OK)
	require.Equal(t, 3, lease.Slot.ID)
	lease.Release()
}

func TestManagerClockDecidesCooldownOverStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := pool.NewManager(s)
	past := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Clock = func() time.Time { return past }

	require.NoError(t, m.SetSecret(ctx, "lic-1", 1, "key-a"))
	_, err := m.MarkCooldown(ctx, "lic-1", 1, time.Minute, "429")
	require.NoError(t, err)

	slots, err := m.List(ctx, "lic-1")
	require.NoError(t, err)
	require.Equal(t, pool.StateCooling, slots[0].State)
	require.NotNil(t, slots[0].CooldownUntil)

	lease, sel, err := m.Acquire(ctx, "lic-1", nil)
	require.NoError(t, err)
	require.Nil(t, lease)
	require.False(t, sel.OK)
}

func TestBindIfAbsentConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	devices := []string{"dev-a", "dev-b", "dev-c", "dev-d", "dev-e", "dev-f"}
	results := make([]string, len(devices))
	errs := make([]error, len(devices))

	var wg sync.WaitGroup
	for i, device := range devices {
		wg.Add(1)
		go func(i int, device string) {
			defer wg.Done()
			results[i], errs[i] = s.BindIfAbsent(ctx, "lic-1", device)
		}(i, device)
	}
	wg.Wait()

	for i := range devices {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}

	bound, err := s.GetBinding(ctx, "lic-1")
	require.NoError(t, err)
	require.Equal(t, results[0], bound)

	cleared, err := s.ClearBinding(ctx, "lic-1")
	require.NoError(t, err)
	require.True(t, cleared)
	bound, err = s.GetBinding(ctx, "lic-1")
	require.NoError(t, err)
	require.Empty(t, bound)
}

func TestRateLimitState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	state, err := s.GetRateLimit(ctx, "quota:lic-1")
	require.NoError(t, err)
	require.Nil(t, state)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateRateLimit(ctx, "quota:lic-1", &core.RateLimitState{RequestCount: 2, WindowStart: start}))
	require.NoError(t, s.UpdateRateLimit(ctx, "quota:lic-2", &core.RateLimitState{RequestCount: 1, WindowStart: start}))

	state, err = s.GetRateLimit(ctx, "quota:lic-1")
	require.NoError(t, err)
	require.Equal(t, 2, state.RequestCount)
	require.True(t, start.Equal(state.WindowStart))

	entries, err := s.ListRateLimits(ctx, RateLimitQuery{Prefix: "quota:"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	removed, err := s.ResetRateLimits(ctx, RateLimitQuery{Key: "quota:lic-1"})
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}
