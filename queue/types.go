// Package queue implements the durable, priority-ordered, routable
// message transport between agents (spec component C2).
package queue

import "time"

// Priority orders messages within and across recipients; higher values
// are delivered first.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
)

// weight maps a Priority to its rank (LOW=1 … CRITICAL=5); sortKey turns
// it into the inbox score as -weight*1e15 + arrival time in milliseconds.
func (p Priority) weight() int64 {
	switch p {
	case PriorityCritical:
		return 5
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// RoutingStrategy selects how a message's recipient is resolved.
type RoutingStrategy string

const (
	RoutingDirect      RoutingStrategy = "DIRECT"
	RoutingRoundRobin  RoutingStrategy = "ROUND_ROBIN"
	RoutingLeastBusy   RoutingStrategy = "LEAST_BUSY"
	RoutingBroadcast   RoutingStrategy = "BROADCAST"
	RoutingTopic       RoutingStrategy = "TOPIC"
)

// Status is a message's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetry      Status = "RETRY"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Message is the unit of transport between agents.
type Message struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Sender     string                 `json:"sender"`
	Recipient  string                 `json:"recipient"`
	Content    map[string]interface{} `json:"content"`
	Priority   Priority               `json:"priority"`
	Routing    RoutingStrategy        `json:"routing"`
	Topic      string                 `json:"topic,omitempty"`
	Correlation string                `json:"correlation_id,omitempty"`
	ReplyTo    string                 `json:"reply_to,omitempty"`
	TTLSeconds int64                  `json:"ttl_seconds,omitempty"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
	Status     Status                 `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	ProcessedAt *time.Time            `json:"processed_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Expired reports whether the message's TTL has elapsed relative to now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(m.CreatedAt) > time.Duration(m.TTLSeconds)*time.Second
}

// priorityScore is the combined sort key spec §4.1 describes: larger is
// more urgent, ties broken by arrival order (earlier arrival sorts first
// within the same priority since it contributes a smaller magnitude).
func priorityScore(p Priority, arrival time.Time) float64 {
	return float64(p.weight())*1e13 - float64(arrival.UnixNano())/1e6
}

// SendResult reports the per-message outcome of a batch send, so partial
// failures never abort siblings (spec §4.1, §8).
type SendResult struct {
	MessageID string
	Sent      bool
	Error     string
}

// Stats is the snapshot returned by Queue.Stats.
type Stats struct {
	TotalSent        int64
	TotalDelivered   int64
	TotalAcked       int64
	TotalRetried     int64
	TotalDeadLettered int64
	TotalDeduped     int64
	TotalUnknownRecipient int64
}
