// Package reattach issues and verifies short-lived tokens that let a
// reconnecting client prove ownership of a grace-window slot instead of
// merely guessing a previous session id.
package reattach

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails to parse, verify, or
// whose claims no longer match the slot being reattached to.
var ErrInvalidToken = errors.New("invalid reattach token")

// TTL is how long an issued token remains valid; it mirrors the room grace
// window (see internal/coordinator) plus a small margin for clock skew.
const TTL = 35 * time.Second

// Claims binds a reattach token to the exact slot it was issued for.
type Claims struct {
	SID      string `json:"sid"`
	GameType string `json:"gt"`
	Code     string `json:"code"`
	Position int    `json:"pos"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies reattach tokens with a single HMAC secret.
type Issuer struct {
	secret []byte
}

// NewIssuer builds an Issuer from the configured reattach secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a token binding (sid, gameType, code, position), valid for TTL.
func (i *Issuer) Issue(sid, gameType, code string, position int) (string, error) {
	now := time.Now()
	claims := Claims{
		SID:      sid,
		GameType: gameType,
		Code:     code,
		Position: position,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses tokenString and checks it binds the exact (gameType, code,
// position) being reattached to. It returns the sid the slot was issued for.
func (i *Issuer) Verify(tokenString, gameType, code string, position int) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	if claims.GameType != gameType || claims.Code != code || claims.Position != position {
		return "", ErrInvalidToken
	}

	return claims.SID, nil
}
