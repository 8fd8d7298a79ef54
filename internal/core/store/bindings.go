package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GetBinding returns the device bound to a license, or "" if unbound.
func (s *Store) GetBinding(ctx context.Context, license string) (string, error) {
	if s == nil || s.DB == nil {
		return "", errNotInitialized
	}

	var device string
	row := s.DB.QueryRowContext(ctx, `SELECT device FROM license_bindings WHERE license = ?`, strings.TrimSpace(license))
	if err := row.Scan(&device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("fetch license binding: %w", err)
	}
	return device, nil
}

// BindIfAbsent binds device to license unless a binding exists, and returns
// the device that is bound afterwards. The insert is a single statement so
// concurrent callers agree on one device.
func (s *Store) BindIfAbsent(ctx context.Context, license, device string) (string, error) {
	if s == nil || s.DB == nil {
		return "", errNotInitialized
	}
	license = strings.TrimSpace(license)
	device = strings.TrimSpace(device)
	if license == "" || device == "" {
		return "", errors.New("license and device are required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO license_bindings (license, device, bound_at)
		VALUES (?, ?, ?)
		ON CONFLICT(license) DO NOTHING
	`, license, device, time.Now().UTC().Unix())
	if err != nil {
		return "", fmt.Errorf("store license binding: %w", err)
	}

	bound, err := s.GetBinding(ctx, license)
	if err != nil {
		return "", err
	}
	if bound == "" {
		return "", errors.New("license binding missing after insert")
	}
	return bound, nil
}

// ClearBinding removes the binding for a license.
func (s *Store) ClearBinding(ctx context.Context, license string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errNotInitialized
	}
	result, err := s.DB.ExecContext(ctx, `DELETE FROM license_bindings WHERE license = ?`, strings.TrimSpace(license))
	if err != nil {
		return false, fmt.Errorf("clear license binding: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear license binding: %w", err)
	}
	return affected > 0, nil
}
