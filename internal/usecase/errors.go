package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorValidation  ErrorCode = "VALIDATION_ERROR"
	ErrorAuth        ErrorCode = "AUTH_ERROR"
	ErrorUpstream    ErrorCode = "UPSTREAM_ERROR"
	ErrorRemote      ErrorCode = "REMOTE_ERROR"
	ErrorRateLimited ErrorCode = "RATE_LIMITED"
	ErrorInternal    ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// authFailer is implemented by gateway errors caused by a failed credential
// exchange.
type authFailer interface {
	AuthFailure() bool
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func isAuthFailure(err error) bool {
	var af authFailer
	return errors.As(err, &af) && af.AuthFailure()
}

// tableError classifies a backing-table failure as AUTH_ERROR or REMOTE_ERROR.
func tableError(op string, err error) *Error {
	if isAuthFailure(err) {
		return newError(ErrorAuth, "table_auth_error", err)
	}
	return newError(ErrorRemote, "table_"+op+"_error", err)
}
