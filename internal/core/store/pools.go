package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keyrelay/keyrelay/internal/pool"
)

// LoadPool returns the owner's credential pool. An owner with no row gets an
// initialized pool of empty slots.
func (s *Store) LoadPool(ctx context.Context, owner string) (*pool.Pool, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("pool owner is required")
	}

	var document string
	row := s.DB.QueryRowContext(ctx, `SELECT document FROM credential_pools WHERE owner = ?`, owner)
	if err := row.Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pool.New(owner), nil
		}
		return nil, fmt.Errorf("fetch credential pool: %w", err)
	}

	var p pool.Pool
	if err := json.Unmarshal([]byte(document), &p); err != nil {
		return nil, fmt.Errorf("decode credential pool: %w", err)
	}
	p.Owner = owner
	p.Repair()
	return &p, nil
}

// SavePool replaces the owner's pool document.
func (s *Store) SavePool(ctx context.Context, p *pool.Pool) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	if p == nil || strings.TrimSpace(p.Owner) == "" {
		return errors.New("pool owner is required")
	}

	document, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode credential pool: %w", err)
	}

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO credential_pools (owner, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at
	`, p.Owner, string(document), updatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("store credential pool: %w", err)
	}
	return nil
}
