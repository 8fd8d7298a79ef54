package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m, err := NewManager(testSecret, WithClock(clock), WithTTL(time.Hour))
	require.NoError(t, err)

	token, expires, err := m.Issue("lic-1", "dev-1")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), expires)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "lic-1", claims.License)
	require.Equal(t, "dev-1", claims.Device)
	require.Equal(t, "lic-1", claims.Subject)
	require.Equal(t, "keyrelay", claims.Issuer)
	require.NotEmpty(t, claims.ID)

	now = now.Add(2 * time.Hour)
	_, err = m.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	m, err := NewManager(testSecret)
	require.NoError(t, err)
	other, err := NewManager(testSecret + "-other")
	require.NoError(t, err)

	token, _, err := other.Issue("lic-1", "dev-1")
	require.NoError(t, err)
	_, err = m.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewManager(testSecret, WithIssuer("someone-else"))
	require.NoError(t, err)
	token, _, err = wrongIssuer.Issue("lic-1", "dev-1")
	require.NoError(t, err)
	_, err = m.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{License: "lic-1", Device: "dev-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Verify(unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Verify("")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestManagerValidation(t *testing.T) {
	_, err := NewManager("short")
	require.ErrorIs(t, err, ErrSecretTooShort)

	secret, err := RandomSecret()
	require.NoError(t, err)
	m, err := NewManager(secret)
	require.NoError(t, err)

	_, _, err = m.Issue("", "dev")
	require.ErrorIs(t, err, ErrMissingClaims)
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc.def")
	require.True(t, ok)
	require.Equal(t, "abc.def", token)

	token, ok = BearerToken("bearer   xyz ")
	require.True(t, ok)
	require.Equal(t, "xyz", token)

	for _, h := range []string{"", "Bearer", "Bearer  ", "Basic abc"} {
		_, ok := BearerToken(h)
		require.False(t, ok, h)
	}
}
