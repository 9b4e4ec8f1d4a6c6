package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	ErrUnknownInstitution = errors.New("no adapter registered for institution")
	ErrUnknownKind        = errors.New("unknown adapter kind")
	ErrUnsupported        = errors.New("operation not supported by adapter")
)

// ErrorClass is the closed taxonomy every adapter failure is mapped into.
type ErrorClass string

const (
	ClassAuthExpired        ErrorClass = "auth_expired"
	ClassInvalidCredentials ErrorClass = "invalid_credentials"
	ClassRateLimited        ErrorClass = "rate_limited"
	ClassNetworkTimeout     ErrorClass = "network_timeout"
	ClassServerError        ErrorClass = "server_error"
	ClassMaintenance        ErrorClass = "maintenance"
	ClassInvalidRequest     ErrorClass = "invalid_request"
)

// Transient reports whether the class is retried by the resilience layer.
func (c ErrorClass) Transient() bool {
	switch c {
	case ClassRateLimited, ClassNetworkTimeout, ClassServerError:
		return true
	default:
		return false
	}
}

// Error is a classified adapter failure.
type Error struct {
	Class       ErrorClass
	Op          string
	Institution string
	// RetryAfter carries the institution's reset hint for rate limiting, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Institution, e.Op, e.Class)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(class ErrorClass, institution, op string, err error) *Error {
	return &Error{Class: class, Institution: institution, Op: op, Err: err}
}

// ClassOf maps any error to the taxonomy. Deadlines become NetworkTimeout,
// anything unrecognised is treated as a ServerError.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetworkTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassNetworkTimeout
	}
	return ClassServerError
}

// RetryAfterOf returns the reset hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.RetryAfter
	}
	return 0
}

// ClassFromStatus maps an HTTP status from an institution API to the taxonomy.
func ClassFromStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return ClassAuthExpired
	case status == http.StatusForbidden:
		return ClassInvalidCredentials
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ClassNetworkTimeout
	case status == http.StatusServiceUnavailable:
		return ClassMaintenance
	case status >= 500:
		return ClassServerError
	default:
		return ClassInvalidRequest
	}
}
