// Package session issues and verifies the bearer tokens handed out after a
// successful license check.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the default token lifetime.
const DefaultTTL = 24 * time.Hour

const minSecretLen = 32

var (
	ErrSecretTooShort = fmt.Errorf("session: secret must be at least %d bytes", minSecretLen)
	ErrInvalidToken   = errors.New("session: invalid token")
	ErrMissingClaims  = errors.New("session: token lacks license or device")
)

// Claims bind a token to one license and device.
type Claims struct {
	jwt.RegisteredClaims

	License string `json:"license"`
	Device  string `json:"device"`
}

// Manager signs HS256 tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	clock  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithIssuer(issuer string) Option {
	return func(m *Manager) { m.issuer = strings.TrimSpace(issuer) }
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager returns a Manager signing with secret.
func NewManager(secret string, opts ...Option) (*Manager, error) {
	if len(secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	m := &Manager{secret: []byte(secret), ttl: DefaultTTL, issuer: "keyrelay", clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RandomSecret returns a fresh signing secret. Tokens signed with it do not
// survive a restart.
func RandomSecret() (string, error) {
	var b [minSecretLen]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("session: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Issue signs a token for license and device.
func (m *Manager) Issue(license, device string) (string, time.Time, error) {
	license = strings.TrimSpace(license)
	device = strings.TrimSpace(device)
	if license == "" || device == "" {
		return "", time.Time{}, ErrMissingClaims
	}

	now := m.clock().UTC()
	expires := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   license,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		License: license,
		Device:  device,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: sign token: %w", err)
	}
	return token, expires, nil
}

// Verify parses token and returns its claims.
func (m *Manager) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.License) == "" || strings.TrimSpace(claims.Device) == "" {
		return nil, ErrMissingClaims
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
