package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewService_ShortSecret(t *testing.T) {
	_, err := NewService(Config{Secret: "short", TTL: time.Hour})
	assert.Error(t, err)
}

func TestIssueVerify(t *testing.T) {
	s, err := NewService(Config{Secret: testSecret, TTL: time.Hour})
	require.NoError(t, err)

	tok, err := s.Issue("user-1", "octocat")
	require.NoError(t, err)

	claims, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "octocat", claims.Login)
}

func TestVerify_Rejects(t *testing.T) {
	s, err := NewService(Config{Secret: testSecret, TTL: time.Hour})
	require.NoError(t, err)
	other, err := NewService(Config{Secret: "ffffffffffffffffffffffffffffffff", TTL: time.Hour})
	require.NoError(t, err)

	forged, err := other.Issue("user-1", "")
	require.NoError(t, err)

	base := time.Now()
	s.now = func() time.Time { return base }
	expired, err := s.Issue("user-1", "")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: DefaultIssuer}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	for name, tok := range map[string]string{
		"garbage":   "not-a-token",
		"wrong key": forged,
		"expired":   expired,
		"alg none":  none,
		"empty":     "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(tok)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnauthorized))
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := BearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "Basic abc")
	_, ok = BearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "bearer abc.def")
	tok, ok := BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)
}

func TestUserIDContext(t *testing.T) {
	_, ok := UserID(context.Background())
	assert.False(t, ok)

	id, ok := UserID(WithUserID(context.Background(), "u1"))
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
}

func TestVerify_IssuerMismatch(t *testing.T) {
	a, err := NewService(Config{Secret: testSecret, Issuer: "a"})
	require.NoError(t, err)
	b, err := NewService(Config{Secret: testSecret, Issuer: "b"})
	require.NoError(t, err)

	tok, err := a.Issue("user-1", "")
	require.NoError(t, err)
	_, err = b.Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
