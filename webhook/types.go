// Package webhook implements the inbound webhook receiver: signature
// verification, durable first-in-first-out queueing, worker-pool dispatch
// with handlers run in priority order, retry, and dead-letter handling
// (spec component C7).
package webhook

import (
	"context"
	"time"
)

// SignatureAlgorithm selects the HMAC digest used to verify a payload.
type SignatureAlgorithm string

const (
	SignatureHMACSHA1   SignatureAlgorithm = "HMAC_SHA1"
	SignatureHMACSHA256 SignatureAlgorithm = "HMAC_SHA256"
)

// EventStatus is a webhook event's lifecycle state.
type EventStatus string

const (
	StatusPending    EventStatus = "PENDING"
	StatusProcessing EventStatus = "PROCESSING"
	StatusCompleted  EventStatus = "COMPLETED"
	StatusFailed     EventStatus = "FAILED"
	StatusRetrying   EventStatus = "RETRYING"
	StatusDeadLetter EventStatus = "DEAD_LETTER"
)

// Config names one registered webhook endpoint (spec §3).
type Config struct {
	EventType       string
	EndpointPath    string
	Secret          string
	Algorithm       SignatureAlgorithm
	SignatureHeader string
	MaxRetries      int
	RetryDelay      time.Duration
	RetryBackoff    float64
	DeadLetterAfter int
	QueueSize       int
	RateLimitPerMin int
}

// Event is one received webhook delivery.
type Event struct {
	ID             string            `json:"id"`
	EventType      string            `json:"event_type"`
	Source         string            `json:"source"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        []byte            `json:"payload"`
	Signature      string            `json:"signature,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         EventStatus       `json:"status"`
	RetryCount     int               `json:"retry_count"`
	LastError      string            `json:"last_error,omitempty"`
	ProcessingTime time.Duration     `json:"processing_time,omitempty"`
}

// Handler processes a verified webhook event. Handlers for the same
// event type run in descending Priority order; a handler's own
// priority is fixed at registration.
type Handler struct {
	EventType string
	Priority  int
	Fn        func(ctx context.Context, evt *Event) error
}

// Stats is the snapshot returned by Manager.Stats.
type Stats struct {
	TotalReceived     int64
	TotalProcessed    int64
	TotalFailed       int64
	TotalDeadLettered int64
	TotalRejected     int64 // invalid signature / unknown event type / queue full
	QueueDepth        int64
}
