package githubapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies fetch failures so callers can decide between
// re-enqueueing (retryable) and marking the job failed (terminal).
type ErrorKind int

const (
	// KindRetryable covers 429, 5xx and transient network errors. The
	// client never retries these itself: the item reappears in the next
	// backlog read, and a silent retry here would double-charge the quota.
	KindRetryable ErrorKind = iota

	// KindNotFound is a deleted or moved upstream item (404).
	KindNotFound

	// KindAuth is a credential failure (401, or 403 without rate-limit
	// exhaustion).
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	}
	return "unknown"
}

// APIError is a classified source API failure.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// ResetAt is set for rate-limit errors when the API reported when the
	// quota window resets.
	ResetAt time.Time
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source api: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("source api: %s: %s", e.Kind, e.Message)
}

// Terminal reports whether the error should fail the item rather than be
// retried on a later drain pass.
func (e *APIError) Terminal() bool {
	return e.Kind == KindNotFound || e.Kind == KindAuth
}

// IsRetryable reports whether err is a retryable fetch error. Errors that
// are not APIErrors (network failures, timeouts) count as retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Terminal()
	}
	return err != nil
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// classify maps an HTTP failure status to an APIError. A 403 carrying an
// exhausted rate-limit header or a Retry-After header is a rate limit, not
// an auth failure; GitHub uses 403 for primary limits, secondary (abuse)
// limits and permission errors alike.
func classify(status int, remaining, retryAfter string, resetAt time.Time, body string) *APIError {
	switch {
	case status == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, StatusCode: status, Message: body}
	case status == http.StatusUnauthorized:
		return &APIError{Kind: KindAuth, StatusCode: status, Message: body}
	case status == http.StatusForbidden:
		if remaining == "0" {
			return &APIError{Kind: KindRetryable, StatusCode: status, Message: "rate limit exhausted", ResetAt: resetAt}
		}
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return &APIError{
				Kind:       KindRetryable,
				StatusCode: status,
				Message:    "secondary rate limit",
				ResetAt:    time.Now().Add(time.Duration(secs) * time.Second),
			}
		}
		return &APIError{Kind: KindAuth, StatusCode: status, Message: body}
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: KindRetryable, StatusCode: status, Message: "rate limited", ResetAt: resetAt}
	default:
		return &APIError{Kind: KindRetryable, StatusCode: status, Message: body}
	}
}
