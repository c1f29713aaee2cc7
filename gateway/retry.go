package gateway

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// retryDelay computes the delay before attempt number `attempt` (0-based)
// per spec §4.5's four backoff formulas, capped at cfg.MaxDelay and
// optionally perturbed by a uniform [0.5, 1.0) jitter — the same
// crypto/rand jitter idiom used by registry's jittered backoff.
func retryDelay(cfg RetryConfig, attempt int) time.Duration {
	var d time.Duration
	switch cfg.Strategy {
	case RetryExponentialBackoff:
		mult := cfg.Multiplier
		if mult <= 0 {
			mult = 2
		}
		d = time.Duration(float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt)))
	case RetryLinearBackoff:
		d = cfg.BaseDelay * time.Duration(attempt+1)
	case RetryFixedDelay:
		d = cfg.BaseDelay
	case RetryImmediate:
		return 0
	case RetryNone:
		return 0
	default:
		d = cfg.BaseDelay
	}

	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter {
		d = applyJitter(d)
	}
	return d
}

func applyJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d/2)))
	if err != nil {
		return d
	}
	// Scales d into [0.5, 1.0) of its original value.
	return d/2 + time.Duration(n.Int64())
}

// shouldRetry implements spec §4.5: network errors and 5xx are
// retryable; any response status < 500 is final (4xx included).
func shouldRetry(statusCode int, transportErr error) bool {
	if transportErr != nil {
		return true
	}
	return statusCode >= 500
}

func maxAttempts(cfg RetryConfig) int {
	if cfg.Strategy == RetryNone {
		return 1
	}
	if cfg.MaxAttempts <= 0 {
		return 1
	}
	return cfg.MaxAttempts
}
