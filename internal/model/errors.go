package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases.
// Use errors.Is() to check against these.
var (
	ErrBlocked        = errors.New("blocked address")
	ErrInvalidURL     = errors.New("invalid url")
	ErrInvalidRequest = errors.New("invalid request")
	ErrFetchFailed    = errors.New("fetch failed")
	ErrTimeout        = errors.New("timeout")
	ErrRateLimited    = errors.New("rate limited")
	ErrAborted        = errors.New("aborted")
	ErrNotFound       = errors.New("not found")
)

// Error codes used in structured responses and fetch errors.
const (
	CodeBlocked     = "EBLOCKED"
	CodeBadRedirect = "EBADREDIRECT"
	CodeInvalid     = "EINVAL"
	CodeNoData      = "ENODATA"
)

// APIError represents a structured error for tool and HTTP responses.
// Implements error interface and supports unwrapping.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	URL        string `json:"url,omitempty"`  // Target URL for fetch errors
	HTTPStatus int    `json:"-"`              // Upstream status, when known
	StatusCode int    `json:"-"`              // Status we respond with, not serialized
	RetryAfter int    `json:"-"`              // Seconds, for rate limit errors
	Err        error  `json:"-"`              // Wrapped error, not serialized
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a 400 error for invalid tool input.
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		StatusCode: 400,
		Err:        ErrInvalidRequest,
	}
}

// NewURLValidationError creates a 400 error for URLs that fail validation.
func NewURLValidationError(reason string) *APIError {
	return &APIError{
		Code:       "URL_VALIDATION_ERROR",
		Message:    reason,
		StatusCode: 400,
		Err:        ErrInvalidURL,
	}
}

// NewBlockedError creates a fetch error for SSRF-blocked targets.
func NewBlockedError(target string) *APIError {
	return &APIError{
		Code:       CodeBlocked,
		Message:    fmt.Sprintf("Blocked IP range: %s. Private IPs are not allowed", target),
		StatusCode: 400,
		Err:        ErrBlocked,
	}
}

// NewFetchError creates a 502-class error for upstream fetch failures.
// When httpStatus is set, the code becomes HTTP_{status}.
func NewFetchError(url string, httpStatus int, err error) *APIError {
	code := "FETCH_ERROR"
	if httpStatus > 0 {
		code = fmt.Sprintf("HTTP_%d", httpStatus)
	}
	return &APIError{
		Code:       code,
		Message:    fmt.Sprintf("fetch failed for %s", url),
		URL:        url,
		HTTPStatus: httpStatus,
		StatusCode: 502,
		Err:        fmt.Errorf("%w: %v", ErrFetchFailed, err),
	}
}

// NewRedirectError creates a fetch error for invalid or excessive redirects.
func NewRedirectError(url, reason string) *APIError {
	return &APIError{
		Code:       CodeBadRedirect,
		Message:    reason,
		URL:        url,
		StatusCode: 502,
		Err:        ErrFetchFailed,
	}
}

// NewTimeoutError creates a 504 error for upstream timeouts.
func NewTimeoutError(url string) *APIError {
	return &APIError{
		Code:       "TIMEOUT",
		Message:    fmt.Sprintf("request to %s timed out", url),
		URL:        url,
		StatusCode: 504,
		Err:        ErrTimeout,
	}
}

// NewAbortedError creates a 499-class error for caller-cancelled fetches.
func NewAbortedError(url string) *APIError {
	return &APIError{
		Code:       "ABORTED",
		Message:    "request aborted",
		URL:        url,
		StatusCode: 499,
		Err:        ErrAborted,
	}
}

// NewRateLimitError creates a 429 error with a Retry-After hint in seconds.
func NewRateLimitError(retryAfter int) *APIError {
	return &APIError{
		Code:       "RATE_LIMITED",
		Message:    "rate limit exceeded, please retry later",
		StatusCode: 429,
		RetryAfter: retryAfter,
		Err:        ErrRateLimited,
	}
}

// NewNotFoundError creates a 404 error for missing resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
		Err:        ErrNotFound,
	}
}

// NewInternalError creates a 500 error for unexpected failures.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:       "INTERNAL_ERROR",
		Message:    "an internal error occurred",
		StatusCode: 500,
		Err:        err,
	}
}
