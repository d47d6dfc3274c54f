package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted matches a ProtocolError raised after every allowed
	// attempt hit a retryable status.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends during a
	// backoff wait.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents non-retryable 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents non-retryable 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents responses with a configured retryable
	// status (429 by default).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection, DNS and timeout failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassProtocol represents malformed response bodies.
	ErrorClassProtocol ErrorClass = "protocol"
)

// TransportError is a network-level failure: DNS, refused connection,
// timeout, or a context that ended while waiting.
type TransportError struct {
	Provider string
	Method   string
	URL      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %s %s (attempts %d): %v",
		e.Provider, e.Method, e.URL, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitError is a throttling response. The client retries it
// internally; callers only see it wrapped in a ProtocolError once retries
// are exhausted.
type RateLimitError struct {
	StatusCode int

	// RetryAfter is the provider-requested delay, zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d, retry after %v)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// ProtocolError is a non-2xx response, a throttling response that outlived
// the retry budget, or a malformed response body.
type ProtocolError struct {
	Provider   string
	Method     string
	URL        string
	StatusCode int
	Attempts   int
	Class      ErrorClass
	Message    string

	// Exhausted is true when retries ran out on a retryable status.
	Exhausted bool

	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s %s error (status %d): %s %s", e.Provider, e.Class, e.StatusCode, e.Method, e.URL)
	if e.Exhausted {
		msg += fmt.Sprintf(": %s after %d attempts", ErrRetryExhausted, e.Attempts)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is matches ErrRetryExhausted for exhausted retries.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrRetryExhausted && e.Exhausted
}

// classifyStatus categorizes a non-2xx status.
func classifyStatus(status int, retryable map[int]bool) ErrorClass {
	switch {
	case retryable[status]:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassProtocol
	}
}

// snippet trims a response body for inclusion in an error message.
func snippet(body []byte) string {
	const max = 200
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
