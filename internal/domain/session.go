package domain

import (
	"errors"
	"time"
)

var ErrInvalidSession = errors.New("invalid session")

// Session is the token pair minted by the backend. Values are never mutated
// after decoding; a refresh yields a new Session.
type Session struct {
	ScopedToken      string `json:"scoped_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresAt        int64  `json:"expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
}

func (s Session) AccessExpiry() time.Time {
	return time.Unix(s.ExpiresAt, 0).UTC()
}

func (s Session) RefreshExpiry() time.Time {
	return time.Unix(s.RefreshExpiresAt, 0).UTC()
}

// Validate enforces the shape every usable session must have: both tokens
// present and the refresh credential outliving the access credential.
func (s Session) Validate() error {
	if s.ScopedToken == "" || s.RefreshToken == "" {
		return ErrInvalidSession
	}
	if s.ExpiresAt <= 0 || s.RefreshExpiresAt <= s.ExpiresAt {
		return ErrInvalidSession
	}
	return nil
}

// IdpHandshake is the proof of identity handed over by the identity provider
// after OAuth or magic-link completion. It is exchanged once and dropped.
type IdpHandshake struct {
	UserID string `json:"user_id"`
	IdpJWT string `json:"-"`
}

func (h IdpHandshake) Valid() bool {
	return h.UserID != "" && h.IdpJWT != ""
}
