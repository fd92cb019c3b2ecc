package wire

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error code. Values are part of the wire
// contract: they appear verbatim in sys.error frames and must not change.
type Code string

const (
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeAuthFailed         Code = "AUTH_FAILED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodePayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	CodeNotAllowed         Code = "NOT_ALLOWED"
	CodeUnsupportedVersion Code = "UNSUPPORTED_VERSION"
	CodeInternal           Code = "INTERNAL"
	CodeTooManySessions    Code = "TOO_MANY_SESSIONS"
	CodeTimeout            Code = "TIMEOUT"
)

// Error pairs a stable code with a human-readable message. Internal causes
// are wrapped; only Code and Msg ever reach a client.
type Error struct {
	Code Code
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError keeps an internal cause attached for logging while presenting
// only code+msg at the edge.
func WrapError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, err: err}
}

// CodeOf extracts the stable code from err, defaulting to INTERNAL for
// anything that is not a *Error.
func CodeOf(err error) Code {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return CodeInternal
}

// ClientMsg returns the message safe to show a client. Non-wire errors are
// masked to avoid leaking internals.
func ClientMsg(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.Msg
	}
	return "internal error"
}
