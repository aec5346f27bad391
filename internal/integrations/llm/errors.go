package llm

import (
	"errors"
	"fmt"

	"chat-relay/internal/domain"
)

// ErrorKind classifies why a chat call failed.
type ErrorKind string

const (
	// KindNetwork covers transport failures and non-2xx responses.
	KindNetwork ErrorKind = "network"
	// KindMalformedResponse means the body was JSON but had no reply where expected.
	KindMalformedResponse ErrorKind = "malformed_response"
	KindUnknown           ErrorKind = "unknown"
)

var (
	errInvalidJSON = errors.New("response body is not valid JSON")
	errNoReply     = errors.New("reply not found in response")

	errResponseTooLarge = fmt.Errorf("response body exceeds %d bytes", maxReplyBodySize)
)

// Error is returned by every failed SendChat call.
type Error struct {
	Kind     ErrorKind
	Provider domain.Provider
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("llm: %s %s: %s", e.Provider, e.Kind, e.Detail)
	}
	return fmt.Sprintf("llm: %s %s: %s: %v", e.Provider, e.Kind, e.Detail, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusCode returns the upstream HTTP status, or 0 when no response was received.
func (e *Error) StatusCode() int {
	var statusErr *HTTPStatusError
	if errors.As(e, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func newError(p domain.Provider, kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Provider: p, Detail: detail, Err: err}
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}
