// Package authtoken extracts the user identity carried by a bearer token.
//
// The token is not verified here: the REST API remains the authority. The
// payload is only read to learn which user is placing an order.
package authtoken

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
	ErrNoSubject = errors.New("token has no user id")
)

// Claims is the subset of the token payload the storefront cares about
type Claims struct {
	UserID    int64
	ExpiresAt time.Time
}

// Decode reads the token payload. Any error means the caller must treat the
// session as unauthenticated.
func Decode(token string) (*Claims, error) {
	return DecodeAt(token, time.Now())
}

// DecodeAt is Decode with an explicit clock
func DecodeAt(token string, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, ErrMalformed
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	claims := &Claims{}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
		if !now.Before(exp.Time) {
			return nil, ErrExpired
		}
	}

	for _, key := range []string{"sub", "user_id", "id"} {
		if id, ok := userID(mc[key]); ok {
			claims.UserID = id
			return claims, nil
		}
	}

	return nil, ErrNoSubject
}

func userID(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return int64(t), true
		}
	case string:
		id, err := strconv.ParseInt(t, 10, 64)
		if err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}
