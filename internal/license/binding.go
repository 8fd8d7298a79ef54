package license

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// BindingStore is the local device binding ledger.
type BindingStore interface {
	GetBinding(ctx context.Context, license string) (string, error)
	// BindIfAbsent binds device unless the license is already bound and
	// returns the device bound afterwards.
	BindIfAbsent(ctx context.Context, license, device string) (string, error)
}

// MemoryBindings is an in-process BindingStore.
type MemoryBindings struct {
	mu       sync.Mutex
	bindings map[string]string
}

func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{bindings: make(map[string]string)}
}

func (m *MemoryBindings) GetBinding(_ context.Context, license string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[strings.TrimSpace(license)], nil
}

func (m *MemoryBindings) BindIfAbsent(_ context.Context, license, device string) (string, error) {
	license = strings.TrimSpace(license)
	device = strings.TrimSpace(device)
	if license == "" || device == "" {
		return "", errors.New("license and device are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings == nil {
		m.bindings = make(map[string]string)
	}
	if bound, ok := m.bindings[license]; ok {
		return bound, nil
	}
	m.bindings[license] = device
	return device, nil
}
