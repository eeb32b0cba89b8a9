// Package auth turns identity-provider sessions into backend bearer tokens
// and keeps them fresh. The Bridge writes every token pair through the
// credential store so all attached HTTP clients switch together.
package auth

import (
	"fmt"

	"fleetdesk.com/session/auth/identity"
)

// AuthError represents a session-layer failure. Message is safe to show to the user.
type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Err     error  `json:"-"`
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches any AuthError of the same Type, so wrapped copies of the
// sentinels below still satisfy errors.Is.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Type == e.Type
}

// Wrap returns a copy of e carrying cause.
func (e *AuthError) Wrap(cause error) *AuthError {
	return &AuthError{Type: e.Type, Message: e.Message, Code: e.Code, Err: cause}
}

// Common errors
var (
	ErrNoOrganization   = &AuthError{"NO_ORGANIZATION", "No organization registered for this account", 404, nil}
	ErrRefreshFailed    = &AuthError{"REFRESH_FAILED", "Session expired, please sign in again", 401, nil}
	ErrExchangeRejected = &AuthError{"EXCHANGE_REJECTED", "Token exchange was rejected", 502, nil}
	ErrRequestRejected  = &AuthError{"REQUEST_REJECTED", "Request was rejected", 400, nil}
)

// ErrNoActiveSession is returned when bridging is attempted without a signed-in user.
var ErrNoActiveSession = identity.ErrNoActiveSession

// NewAuthError creates a new auth error
func NewAuthError(errorType, message string, code int) *AuthError {
	return &AuthError{
		Type:    errorType,
		Message: message,
		Code:    code,
	}
}
