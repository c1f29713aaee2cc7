package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "ErrKVUnavailable is retryable", err: ErrKVUnavailable, expected: true},
		{name: "ErrTimeout is retryable", err: ErrTimeout, expected: true},
		{name: "ErrCircuitOpen is retryable", err: ErrCircuitOpen, expected: true},
		{name: "ErrUpstreamServerError is retryable", err: ErrUpstreamServerError, expected: true},
		{
			name:     "wrapped retryable error is retryable",
			err:      fmt.Errorf("operation failed: %w", ErrTimeout),
			expected: true,
		},
		{name: "ErrUnknownRecipient is not retryable", err: ErrUnknownRecipient, expected: false},
		{name: "ErrInvalidConfiguration is not retryable", err: ErrInvalidConfiguration, expected: false},
		{name: "custom error is not retryable", err: errors.New("custom error"), expected: false},
		{name: "nil error is not retryable", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsRetryable(tt.err); result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "ErrNotFound is not found", err: ErrNotFound, expected: true},
		{name: "ErrUnknownRecipient is not found", err: ErrUnknownRecipient, expected: true},
		{
			name:     "wrapped not found error is detected",
			err:      fmt.Errorf("failed to locate: %w", ErrNotFound),
			expected: true,
		},
		{name: "ErrTimeout is not a not-found error", err: ErrTimeout, expected: false},
		{name: "ErrInvalidConfiguration is not a not-found error", err: ErrInvalidConfiguration, expected: false},
		{name: "custom error is not a not-found error", err: errors.New("something else"), expected: false},
		{name: "nil error is not a not-found error", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsNotFound(tt.err); result != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	baseErr := ErrNotFound
	wrappedOnce := fmt.Errorf("failed to find agent 'test': %w", baseErr)
	wrappedTwice := fmt.Errorf("operation failed: %w", wrappedOnce)

	if !IsNotFound(baseErr) {
		t.Error("base error should be detected as not-found")
	}
	if !IsNotFound(wrappedOnce) {
		t.Error("once-wrapped error should be detected as not-found")
	}
	if !IsNotFound(wrappedTwice) {
		t.Error("twice-wrapped error should be detected as not-found")
	}
	if !errors.Is(wrappedTwice, ErrNotFound) {
		t.Error("errors.Is should work through multiple wrapping layers")
	}
}

func TestErrorCombinations(t *testing.T) {
	if !IsRetryable(ErrUpstreamServerError) {
		t.Error("ErrUpstreamServerError should be retryable")
	}
	if IsNotFound(ErrUpstreamServerError) {
		t.Error("ErrUpstreamServerError should not be not-found")
	}
	if IsRetryable(ErrInvalidConfiguration) {
		t.Error("ErrInvalidConfiguration should not be retryable")
	}
}

func BenchmarkIsRetryable(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrTimeout)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsRetryable(err)
	}
}

func BenchmarkIsNotFound(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrNotFound)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsNotFound(err)
	}
}
