// Package session derives the signed-in identity from the auth token issued
// by the sign-in flow. Tokens are verified by the server; the client only
// reads their claims.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("auth token is empty")
	ErrMissingUserID = errors.New("auth token carries no user id")
	ErrTokenExpired  = errors.New("auth token has expired")
)

// Identity is the signed-in user, optionally acting as a company.
// The zero value means signed out.
type Identity struct {
	UserID   string
	ActingAs string // company id when acting as a company
	Token    string
}

// ScopeID is the id the channel and per-user resources are scoped to.
func (i Identity) ScopeID() string {
	if i.ActingAs != "" {
		return i.ActingAs
	}
	return i.UserID
}

// IsZero reports whether no one is signed in.
func (i Identity) IsZero() bool {
	return i.ScopeID() == ""
}

func (i Identity) String() string {
	if i.ActingAs != "" {
		return fmt.Sprintf("%s (as %s)", i.UserID, i.ActingAs)
	}
	return i.UserID
}

// ParseToken reads the identity claims from a JWT without verifying its
// signature. The user id is taken from "userId", falling back to "sub"; a
// "companyId" claim scopes the session to that company.
func ParseToken(token string) (Identity, error) {
	return parseToken(token, time.Now())
}

func parseToken(token string, now time.Time) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse auth token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Identity{}, fmt.Errorf("parse auth token expiry: %w", err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return Identity{}, ErrTokenExpired
	}

	userID := stringClaim(claims, "userId")
	if userID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			userID = sub
		}
	}
	if userID == "" {
		return Identity{}, ErrMissingUserID
	}

	return Identity{
		UserID:   userID,
		ActingAs: stringClaim(claims, "companyId"),
		Token:    token,
	}, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
