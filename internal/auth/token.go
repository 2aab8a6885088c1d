// Package auth issues and verifies room-scoped host tokens. It sits entirely
// outside the room coordinator: by the time an action reaches a room, the
// sender is already resolved to a host or participant identity.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers expired, malformed, and wrong-room tokens.
var ErrInvalidToken = errors.New("invalid host token")

// TokenService mints and checks HS256 host tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a service; ttl bounds how long a host token stays
// valid after room creation.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

type hostClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// IssueHostToken mints a token granting host control over one room.
func (s *TokenService) IssueHostToken(roomCode string) (string, error) {
	now := time.Now()
	claims := hostClaims{
		Room: roomCode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "host",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyHostToken reports whether the token grants host control over the room.
func (s *TokenService) VerifyHostToken(token, roomCode string) error {
	parsed, err := jwt.ParseWithClaims(token, &hostClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*hostClaims)
	if !ok || claims.Room != roomCode || claims.Subject != "host" {
		return ErrInvalidToken
	}
	return nil
}
