package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed call for the screen that issued it.
type Kind int

const (
	// KindNone means the call succeeded.
	KindNone Kind = iota
	// KindNetwork covers timeouts, DNS, refused connections and an open breaker.
	KindNetwork
	// KindStatus is a non-success status with a server-provided body.
	KindStatus
	// KindDecode is a response that could not be deserialized.
	KindDecode
	// KindUnauthorized is an expired or missing session.
	KindUnauthorized
	// KindCanceled means the caller's scope ended; nothing should be shown.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	case KindUnauthorized:
		return "unauthorized"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// GenericFailureText is shown for network and decode failures.
const GenericFailureText = "Could not complete the request. Please try again."

// SessionExpiredText is shown when the backend rejects the session.
const SessionExpiredText = "Your session has expired. Please log in again."

// ErrUnauthorized is wrapped by every 401 response error.
var ErrUnauthorized = errors.New("api: unauthorized")

// Error describes one failed backend call.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	// Message is the server body, verbatim, for KindStatus.
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case KindUnauthorized:
		return fmt.Sprintf("%s: status %d: unauthorized", e.Op, e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e.Kind == KindUnauthorized && e.Err == nil {
		return ErrUnauthorized
	}
	return e.Err
}

// Classify returns the Kind of err.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, ErrUnauthorized) {
		return KindUnauthorized
	}
	return KindNetwork
}

// UserMessage returns the alert text for err.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindNone, KindCanceled:
		return ""
	case KindStatus:
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return apiErr.Message
		}
		return GenericFailureText
	case KindUnauthorized:
		return SessionExpiredText
	default:
		return GenericFailureText
	}
}

func networkError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Op: op, Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func decodeError(op string, err error) error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

func statusError(op string, statusCode int, body []byte) error {
	if statusCode == http.StatusUnauthorized {
		return &Error{Kind: KindUnauthorized, Op: op, StatusCode: statusCode, Err: ErrUnauthorized}
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &Error{Kind: KindStatus, Op: op, StatusCode: statusCode, Message: message}
}
