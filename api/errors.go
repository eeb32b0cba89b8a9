package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an Error.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindUnauthorized   Kind = "unauthorized"
	KindSessionExpired Kind = "session_expired"
	KindNotFound       Kind = "not_found"
	KindClient         Kind = "client"
	KindServer         Kind = "server"
	KindDecode         Kind = "decode"
)

// Error is the single error shape produced by Client. Message carries the
// server-provided message when there is one, else the transport message.
type Error struct {
	Kind    Kind   `json:"kind"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("[%s %d] %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsSessionExpired reports whether err means the session cannot be recovered
// and the caller should sign the user out.
func IsSessionExpired(err error) bool {
	k := KindOf(err)
	return k == KindSessionExpired || k == KindUnauthorized
}

// Message returns the user-facing message of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServer
	default:
		return KindClient
	}
}

// errorBody covers the shapes the backend uses for failures.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func newStatusError(status int, body []byte) *Error {
	msg := ""
	var parsed errorBody
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		msg = parsed.Message
		if msg == "" {
			msg = parsed.Error
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(http.StatusText(status))
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", status)
		}
	}
	return &Error{Kind: kindForStatus(status), Status: status, Message: msg}
}

func newTransportError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
}
