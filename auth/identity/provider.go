// Package identity wraps the third-party identity provider the dashboard
// signs users in with. It knows nothing about the application backend.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Session is the provider's view of a signed-in user.
type Session struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName,omitempty"`
	PhotoURL     string    `json:"photoURL,omitempty"`
	IDToken      string    `json:"idToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// EventKind distinguishes session-change events.
type EventKind int

const (
	SignedOut EventKind = iota
	SignedIn
)

func (k EventKind) String() string {
	if k == SignedIn {
		return "signed_in"
	}
	return "signed_out"
}

// Event is published on every sign-in and sign-out. Session is nil for SignedOut.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Provider is the identity provider contract.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (*Session, error)
	// SignOut clears local state even if the provider cannot be reached.
	SignOut(ctx context.Context) error
	// CurrentSession reflects the last known state without I/O.
	CurrentSession() *Session
	// FreshToken returns an ID token; force mints a new one.
	FreshToken(ctx context.Context, force bool) (string, error)
	// Subscribe delivers the current state immediately, then every change.
	Subscribe() (<-chan Event, func())
}

// ErrNoActiveSession is returned when an operation needs a signed-in user.
var ErrNoActiveSession = errors.New("identity: no active session")

// Code classifies provider failures.
type Code string

const (
	InvalidCredentials Code = "invalid_credentials"
	TooManyRequests    Code = "too_many_requests"
	AccountDisabled    Code = "account_disabled"
	EmailInUse         Code = "email_in_use"
	InvalidEmail       Code = "invalid_email"
	WeakPassword       Code = "weak_password"
	Unknown            Code = "unknown"
)

// Error is a provider failure. Message is safe to show to the user.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var userMessages = map[Code]string{
	InvalidCredentials: "Invalid email or password",
	TooManyRequests:    "Too many attempts, please try again later",
	AccountDisabled:    "This account has been disabled",
	EmailInUse:         "An account with this email already exists",
	InvalidEmail:       "The email address is not valid",
	WeakPassword:       "Password should be at least 6 characters",
	Unknown:            "Authentication failed, please try again",
}

// NewError builds an Error with the standard user-facing message for code.
func NewError(code Code, cause error) *Error {
	msg, ok := userMessages[code]
	if !ok {
		msg = userMessages[Unknown]
	}
	return &Error{Code: code, Message: msg, Err: cause}
}

// CodeOf returns the Code of err, Unknown for foreign errors.
func CodeOf(err error) Code {
	var idErr *Error
	if errors.As(err, &idErr) {
		return idErr.Code
	}
	return Unknown
}
