// Package apierr defines the error taxonomy shared by every layer of the
// findata client. All errors carry a stable machine-readable code — callers
// and the resilience components classify on codes, never on message strings.
package apierr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is a machine-readable error classification string.
type Code string

// Client error codes. These form a public API contract — callers can program
// against these stable codes. Do not rename or remove existing codes.
const (
	CodeValidation  Code = "FINDATA_VALIDATION"
	CodeAuth        Code = "FINDATA_AUTH"
	CodeRateLimited Code = "FINDATA_RATE_LIMITED"
	CodeTransient   Code = "FINDATA_TRANSIENT_NETWORK"
	CodeServer      Code = "FINDATA_SERVER"
	CodeCircuitOpen Code = "FINDATA_CIRCUIT_OPEN"
	CodeBulk        Code = "FINDATA_BULK_PARTIAL"
	CodeConfig      Code = "FINDATA_CONFIG"
)

// Coder is implemented by every error type in this package.
type Coder interface {
	Code() Code
}

// CodeOf returns the classification code of err, unwrapping as needed.
// Returns the empty Code for errors outside the taxonomy.
func CodeOf(err error) Code {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// Retryable reports whether err is worth re-executing: rate-limit pushback,
// transient network failures, and upstream server errors. Validation, auth,
// and open-circuit errors fail fast — retrying them is forbidden.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeTransient, CodeServer:
		return true
	default:
		return false
	}
}

// TripsBreaker reports whether err counts toward opening a circuit breaker.
// Caller-input and auth errors say nothing about the health of the remote
// service, so they never trip; rate-limit pushback is the service protecting
// itself, not failing, so it does not trip either.
func TripsBreaker(err error) bool {
	switch CodeOf(err) {
	case CodeTransient, CodeServer:
		return true
	default:
		return false
	}
}

// ValidationError reports bad caller input. Never retried.
type ValidationError struct {
	Op      string   // operation that rejected the input
	Message string   // what was wrong
	Items   []string // offending items, when item-level (may be nil)
}

func (e *ValidationError) Error() string {
	if len(e.Items) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Message, strings.Join(e.Items, ","))
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ValidationError) Code() Code { return CodeValidation }

// AuthError reports a rejected credential (401/403). Never retried.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected (status %d)", e.Op, e.Status)
}

func (e *AuthError) Code() Code { return CodeAuth }

// RateLimitedError reports 429 pushback from the remote service. Retryable;
// RetryAfter (zero when the service gave no hint) informs backoff.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited by remote, retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited by remote", e.Op)
}

func (e *RateLimitedError) Code() Code { return CodeRateLimited }

// TransientError wraps a network-level failure (connection reset, timeout,
// DNS). Retryable and breaker-tripping.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Code() Code { return CodeTransient }

// ServerError reports a 5xx response from the remote service. Retryable and
// breaker-tripping.
type ServerError struct {
	Op     string
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error (status %d)", e.Op, e.Status)
}

func (e *ServerError) Code() Code { return CodeServer }

// CircuitOpenError is returned when a breaker rejects a call without touching
// the network. RetryIn is the time remaining until the breaker will probe.
type CircuitOpenError struct {
	Service string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry in %s", e.Service, e.RetryIn)
}

func (e *CircuitOpenError) Code() Code { return CodeCircuitOpen }

// ChunkError records the failure of one chunk of a bulk operation together
// with the items it carried.
type ChunkError struct {
	Items []string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk of %d items failed: %v", len(e.Items), e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// BulkError is returned when every chunk of a bulk operation failed.
// It carries the complete per-chunk error list.
type BulkError struct {
	Op          string
	Requested   int
	ChunkErrors []ChunkError
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("%s: all %d chunks failed for %d items", e.Op, len(e.ChunkErrors), e.Requested)
}

func (e *BulkError) Code() Code { return CodeBulk }

// ConfigError reports an invalid configuration value. Raised at construction,
// before any call is attempted.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Code() Code { return CodeConfig }
