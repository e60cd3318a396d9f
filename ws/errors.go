package ws

import (
	"errors"
	"fmt"

	"nhooyr.io/websocket"
)

// StatusReconnect is the close code this client sends when it wants a clean reconnect.
// The remote end never uses it for anything else.
const StatusReconnect = websocket.StatusServiceRestart // 1012

type ErrorKind string

const (
	KindClose ErrorKind = "close"
	KindError ErrorKind = "error"
	KindWrite ErrorKind = "write"
)

// Error is the failure that terminated a socket session.
type Error struct {
	Kind   ErrorKind
	Code   int
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindClose:
		return fmt.Sprintf("websocket closed with code %d: %s", e.Code, e.Reason)
	case KindWrite:
		return fmt.Sprintf("websocket write failed: %v", e.Cause)
	default:
		return fmt.Sprintf("websocket error: %v", e.Cause)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsReconnect reports whether err is the close this client requested with Reconnect.
func IsReconnect(err error) bool {
	var wsErr *Error
	return errors.As(err, &wsErr) && wsErr.Kind == KindClose && wsErr.Code == int(StatusReconnect)
}

// classifyRead turns an error returned by a socket read into an *Error.
func classifyRead(err error) *Error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return &Error{
			Kind:   KindClose,
			Code:   int(closeErr.Code),
			Reason: closeErr.Reason,
			Cause:  err,
		}
	}

	return &Error{
		Kind:  KindError,
		Cause: err,
	}
}
