package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components, comparable with errors.Is.
// Each public operation documented in §7 of the design returns one of
// these (wrapped with FrameworkError for context) rather than an ad hoc
// string.
var (
	// KVUnavailable signals the backing store is unreachable. Retryable.
	ErrKVUnavailable = errors.New("kv store unavailable")

	// UnknownRecipient / UnknownEventType are routing errors. Not retryable.
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrUnknownEventType = errors.New("unknown event type")

	// RateLimited carries a recommended wait via FrameworkError.Message.
	ErrRateLimited = errors.New("rate limited")

	// CircuitOpen is transient until the breaker's recovery window elapses.
	ErrCircuitOpen = errors.New("circuit open")

	// Timeout family.
	ErrTimeout         = errors.New("operation timeout")
	ErrTaskTimeout     = errors.New("task timeout")
	ErrWorkflowTimeout = errors.New("workflow timeout")
	ErrLockTimeout     = errors.New("lock timeout")

	// UpstreamServerError is a 5xx from a remote integration after retries
	// are exhausted.
	ErrUpstreamServerError = errors.New("upstream server error")

	// InvalidSignature is a webhook authentication failure. Not retryable.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// LockNotHeld means a write cited a missing or expired lock.
	ErrLockNotHeld = errors.New("lock not held")

	// ConflictUnresolved means auto-resolution was disabled and no manual
	// resolution arrived before the conflict timeout.
	ErrConflictUnresolved = errors.New("memory conflict unresolved")

	// General-purpose errors reused by several components.
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMaxRetriesExceeded   = errors.New("maximum retries exceeded")
	ErrQueueFull            = errors.New("queue full")
	ErrNoEligibleAgent      = errors.New("no eligible agent")
)

// FrameworkError wraps a sentinel with operation context so logs and
// errors.Is() both work from the same value.
type FrameworkError struct {
	Op      string // e.g. "queue.Send", "gateway.MakeRequest"
	Kind    string // e.g. "queue", "registry", "gateway"
	ID      string // entity id involved, if any
	Message string // extra human-readable context (e.g. retry-after hint)
	Err     error
}

func (e *FrameworkError) Error() string {
	switch {
	case e.Op != "" && e.ID != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError wraps err with operation/kind context.
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether the caller should retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrKVUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrUpstreamServerError)
}

// IsNotFound reports a "no such entity" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownRecipient)
}
