package auth

import (
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, method jwt.SigningMethod, key any, sub string, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}})
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestUserID(t *testing.T) {
	v := NewVerifier("s3cret")

	id, err := v.UserID(sign(t, jwt.SigningMethodHS256, []byte("s3cret"), "42", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	cases := map[string]string{
		"empty":        "",
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other"), "42", time.Hour),
		"expired":      sign(t, jwt.SigningMethodHS256, []byte("s3cret"), "42", -time.Hour),
		"bad subject":  sign(t, jwt.SigningMethodHS256, []byte("s3cret"), "alice", time.Hour),
		"wrong alg":    sign(t, jwt.SigningMethodHS512, []byte("s3cret"), "42", time.Hour),
		"garbage":      "not.a.token",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.UserID(tok)
			assert.True(t, errors.Is(err, ErrUnauthenticated), "got %v", err)
		})
	}
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}
