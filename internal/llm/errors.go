package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/lamrelay/internal/httpkit"
)

var (
	// ErrTimeout matches any [*TimeoutError].
	ErrTimeout = errors.New("inference timed out")

	// ErrMalformedResponse means the endpoint answered 200 but the body
	// could not be understood.
	ErrMalformedResponse = errors.New("malformed inference response")

	// ErrStreamTruncated means a stream ended before the server sent a
	// finish reason or the [DONE] sentinel.
	ErrStreamTruncated = errors.New("inference stream ended early")

	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("inference stream closed")
)

// TimeoutError reports that the client's own deadline expired. It is
// distinct from the caller cancelling the context, which surfaces as
// [context.Canceled] or the caller's deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("inference timed out after %s", e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// APIError is a non-2xx answer from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference API error %d: %s", e.StatusCode, e.Body)
}

// StreamError is an error object delivered inside an SSE stream.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "inference stream error: " + e.Message
	}
	return fmt.Sprintf("inference stream error: %s: %s", e.Type, e.Message)
}

// IsRetryable reports whether err is a transient connectivity problem
// that a caller might reasonably try again: dial failures, our own
// timeout, 429 and 5xx answers. Nothing in this package retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || httpkit.IsConnectionError(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}

// withTimeout derives a context whose expiry is reported as a
// *TimeoutError cause.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeoutCause(parent, d, &TimeoutError{After: d})
}

// classify replaces a context error with the timeout cause when our own
// deadline fired, and leaves everything else alone.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrTimeout) {
		return cause
	}
	return err
}
