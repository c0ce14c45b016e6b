package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeParsing     ErrorType = "parsing"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeRange       ErrorType = "range"
	ErrorTypeUnknown     ErrorType = "unknown"
)

var (
	// ErrInterrupted reports a transfer or run stopped by cancellation.
	// It is expected and must never be counted as a failure.
	ErrInterrupted = stderrors.New("interrupted")

	// ErrNoExtensions rejects a download run with an empty extension allow-set.
	ErrNoExtensions = stderrors.New("no file extension selected")

	// ErrNoEligibleFiles rejects a download run whose pre-scan matched nothing.
	ErrNoEligibleFiles = stderrors.New("no files match the selected extensions")

	// ErrUnrecognizedURL is returned for URLs that name neither a creator nor a post.
	ErrUnrecognizedURL = stderrors.New("unrecognized creator or post URL")
)

// Error represents an API error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error wrapping cause
func New(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Err: cause}
}

// FromStatus maps a non-success HTTP status to a typed error
func FromStatus(code int, url string) *Error {
	e := &Error{Code: code, Message: fmt.Sprintf("%s returned %s", url, http.StatusText(code))}
	switch {
	case code == http.StatusTooManyRequests:
		e.Type = ErrorTypeRateLimit
	case code == http.StatusNotFound:
		e.Type = ErrorTypeNotFound
	case code == http.StatusRequestedRangeNotSatisfiable:
		e.Type = ErrorTypeRange
	case code >= 500:
		e.Type = ErrorTypeServerError
	default:
		e.Type = ErrorTypeUnknown
	}
	return e
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeParsing:
		return true
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0, 429:
		return true
	case 401, 404, 416:
		return false
	default:
		return statusCode >= 500
	}
}
