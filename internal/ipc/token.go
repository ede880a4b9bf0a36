package ipc

import (
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier checks the signed token and the same-user identity claim on
// every command. The secret lives in a file readable only by the owning
// user, so possession of a valid token implies filesystem access as that
// user.
type TokenVerifier struct {
	secret []byte
	uid    string
}

type tokenClaims struct {
	UID string `json:"uid"`
	PID int    `json:"pid"`
	jwt.RegisteredClaims
}

func NewTokenVerifier(secret []byte) (*TokenVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty token secret")
	}
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}
	return &TokenVerifier{secret: secret, uid: u.Uid}, nil
}

// Sign issues a short-lived token for the calling process.
func Sign(secret []byte, pid int, ttl time.Duration) (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	claims := tokenClaims{
		UID: u.Uid,
		PID: pid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   strconv.Itoa(pid),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify parses the token and enforces the same-user rule.
func (v *TokenVerifier) Verify(token string) error {
	if token == "" {
		return fmt.Errorf("missing auth token")
	}
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid auth token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid auth token")
	}
	if claims.UID != v.uid {
		return fmt.Errorf("token issued for uid %s, supervisor runs as uid %s", claims.UID, v.uid)
	}
	return nil
}
