package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for display and recovery decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuthentication
	KindValidation
	KindServer
	KindConflict
	KindNotFound
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error is the one failure shape every store returns. Message is safe to show
// to a user.
type Error struct {
	Kind    Kind
	Status  int
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether re-triggering the same action may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// NewError builds a client-side failure that never reached the network.
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// KindOf classifies any error; non-*Error values are KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// UserMessage renders err for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallbackMessage(KindOf(err))
}

const (
	msgNetwork = "Unable to reach the store. Check your connection and try again."
	msgTimeout = "The request timed out. Check your connection and try again."
	msgAuth    = "Your session has expired. Please log in again."
	msgInvalid = "The request was invalid. Please check your input."
	msgServer  = "Something went wrong on our side. Please try again."
	msgNoEntry = "The requested item was not found."
	msgDenied  = "You do not have permission to do that."
	msgUnknown = "Something went wrong. Please try again."
)

func fallbackMessage(k Kind) string {
	switch k {
	case KindNetwork:
		return msgNetwork
	case KindAuthentication:
		return msgAuth
	case KindValidation, KindConflict:
		return msgInvalid
	case KindServer:
		return msgServer
	case KindNotFound:
		return msgNoEntry
	case KindForbidden:
		return msgDenied
	default:
		return msgUnknown
	}
}

// kindForStatus maps an HTTP status onto the taxonomy.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindServer
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}
