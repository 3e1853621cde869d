package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the backend's session-validation outcome. It is the only part
// of an error payload the gateway classifies on.
type ErrorCode string

const (
	CodeInvalidTeamMembership ErrorCode = "invalid_team_membership"
	CodeSessionTokenExpired   ErrorCode = "session_token_expired"
	CodeSessionTokenRevoked   ErrorCode = "session_token_revoked"
	CodeSessionTokenInvalid   ErrorCode = "session_token_invalid"
)

// ErrUnstructured marks failures that carried no parseable error code:
// transport errors, timeouts, non-JSON bodies and 5xx responses.
var ErrUnstructured = errors.New("unstructured backend failure")

func (c ErrorCode) Known() bool {
	switch c {
	case CodeInvalidTeamMembership, CodeSessionTokenExpired, CodeSessionTokenRevoked, CodeSessionTokenInvalid:
		return true
	default:
		return false
	}
}

// SessionError is a structured rejection reported by the backend.
type SessionError struct {
	Status  int
	Code    ErrorCode
	Message string
}

func (e *SessionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session error %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("session error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// CodeOf returns the structured code carried by err, or ok=false when err is
// unstructured.
func CodeOf(err error) (ErrorCode, bool) {
	var se *SessionError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code, true
	}
	return "", false
}
