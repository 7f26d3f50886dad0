// Package auth resolves bearer tokens to user ids. Tokens are issued
// elsewhere; this side only verifies them.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Claims struct {
	jwt.RegisteredClaims
}

type Verifier struct {
	Secret []byte
	Leeway time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: []byte(secret), Leeway: 30 * time.Second}
}

// UserID validates an HS256 token and returns its numeric subject.
func (v *Verifier) UserID(token string) (int64, error) {
	if token == "" {
		return 0, ErrUnauthenticated
	}
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.Leeway),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !t.Valid {
		return 0, ErrUnauthenticated
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad subject", ErrUnauthenticated)
	}
	return id, nil
}

// BearerToken pulls the token out of an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
