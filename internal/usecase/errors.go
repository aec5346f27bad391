package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorNotConfigured     ErrorCode = "NOT_CONFIGURED"
	ErrorSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrorConflict          ErrorCode = "CONFLICT"
	ErrorRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorUpstreamNetwork   ErrorCode = "UPSTREAM_NETWORK"
	ErrorUpstreamMalformed ErrorCode = "UPSTREAM_MALFORMED"
	ErrorUpstreamUnknown   ErrorCode = "UPSTREAM_UNKNOWN"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
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

// Message is the text shown to the user. Causes from our own infrastructure
// (storage, parameter store) are withheld; provider causes are shown.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.Err == nil || e.Code == ErrorInternal || e.Code == ErrorNotConfigured {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
