package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/revoagent/fabric/core"
)

// CircuitBreaker is the interface contract the teacher's resilience
// package declared (Execute/ExecuteWithTimeout/GetState/GetMetrics/
// Reset/CanExecute), recreated here since this package is its only
// consumer in this tree.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error
	CanExecute() bool
	GetState() CircuitState
	GetMetrics() map[string]interface{}
	Reset()
}

// circuitBreaker implements spec §4.5's CLOSED → OPEN → HALF_OPEN state
// machine.
type circuitBreaker struct {
	cfg CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	consecutiveSuccesses int
	lastFailure         time.Time
}

func newCircuitBreaker(cfg CircuitBreakerConfig) *circuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &circuitBreaker{cfg: cfg, state: CircuitClosed}
}

func (b *circuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canExecuteLocked()
}

func (b *circuitBreaker) canExecuteLocked() bool {
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = CircuitHalfOpen
			b.consecutiveSuccesses = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return true
	}
}

func (b *circuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if !b.canExecuteLocked() {
		b.mu.Unlock()
		return core.NewFrameworkError("gateway.CircuitBreaker", "gateway", core.ErrCircuitOpen)
	}
	b.mu.Unlock()

	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *circuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.Execute(ctx, fn)
}

func (b *circuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecutiveFailures = 0
		switch b.state {
		case CircuitHalfOpen:
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
				b.state = CircuitClosed
				b.consecutiveSuccesses = 0
			}
		case CircuitOpen:
			// Shouldn't happen (Execute only runs when canExecute), but
			// guard against a stray success anyway.
			b.state = CircuitClosed
		}
		return
	}

	b.lastFailure = time.Now()
	b.consecutiveSuccesses = 0
	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitOpen
	case CircuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
		}
	}
}

func (b *circuitBreaker) GetState() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *circuitBreaker) GetMetrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":                 b.state,
		"consecutive_failures":  b.consecutiveFailures,
		"consecutive_successes": b.consecutiveSuccesses,
		"last_failure":          b.lastFailure,
	}
}

func (b *circuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}
