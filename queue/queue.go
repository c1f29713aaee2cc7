package queue

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/kv"
)

const (
	defaultMaxRetries  = 3
	defaultDedupWindow = time.Minute
	defaultRetention   = 5 * time.Minute
	maxBackoff         = 300 * time.Second
)

var keys = kv.Keys{}

// Queue is the public contract for C2, matching spec §4.1.
type Queue interface {
	Send(ctx context.Context, msg *Message) (bool, error)
	SendBatch(ctx context.Context, msgs []*Message) []SendResult
	Receive(ctx context.Context, agentID string, timeout time.Duration) (*Message, error)
	Acknowledge(ctx context.Context, msg *Message, success bool) error
	Subscribe(ctx context.Context, agentID, topic string) error
	Unsubscribe(ctx context.Context, agentID, topic string) error
	Stats() Stats
}

// RedisQueue is the KV-backed Queue implementation.
type RedisQueue struct {
	store    kv.Store
	resolver AgentResolver
	logger   core.Logger

	dedupTTL  time.Duration
	retention time.Duration
	backoff   func(retryCount int) time.Duration

	rrMu       sync.Mutex
	roundRobin map[string]*uint64

	stats Stats
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

func WithLogger(l core.Logger) Option { return func(q *RedisQueue) { q.logger = l } }
func WithDedupWindow(d time.Duration) Option {
	return func(q *RedisQueue) { q.dedupTTL = d }
}
func WithRetention(d time.Duration) Option { return func(q *RedisQueue) { q.retention = d } }
func WithBackoff(f func(retryCount int) time.Duration) Option {
	return func(q *RedisQueue) { q.backoff = f }
}

// NewRedisQueue builds a Queue over store, using resolver for
// ROUND_ROBIN/LEAST_BUSY/BROADCAST recipient resolution.
func NewRedisQueue(store kv.Store, resolver AgentResolver, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		store:      store,
		resolver:   resolver,
		logger:     &core.NoOpLogger{},
		dedupTTL:   defaultDedupWindow,
		retention:  defaultRetention,
		roundRobin: make(map[string]*uint64),
	}
	q.backoff = func(retryCount int) time.Duration {
		d := time.Duration(math.Pow(2, float64(retryCount))) * time.Second
		if d > maxBackoff {
			d = maxBackoff
		}
		return d
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// sortKey produces the ZSET score so ZPopMin returns the highest-priority,
// earliest-arrived message first: a bigger priority weight contributes a
// more negative score, and within the same weight an earlier arrival
// contributes a smaller (more negative) score too.
func sortKey(p Priority, arrival time.Time) float64 {
	return -float64(p.weight())*1e15 + float64(arrival.UnixNano())/1e6
}

func inboxSignal(agentID string) string { return "agent:" + agentID + ":signal" }

func contentHashOf(m *Message) string {
	canon, _ := json.Marshal(m.Content)
	payload := m.Sender + "|" + m.Type + "|" + string(canon)
	return core.ContentHash([]byte(payload))
}

// Send implements spec §4.1's routing and storage layout.
func (q *RedisQueue) Send(ctx context.Context, msg *Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = defaultMaxRetries
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	msg.Status = StatusPending

	dedupKey := keys.Dedup(contentHashOf(msg))
	exists, err := q.store.Exists(ctx, dedupKey)
	if err != nil {
		return false, core.NewFrameworkError("queue.Send", "queue", err)
	}
	if exists {
		atomic.AddInt64(&q.stats.TotalDeduped, 1)
		return true, nil
	}

	recipients, err := q.resolveRecipients(ctx, msg)
	if err != nil {
		atomic.AddInt64(&q.stats.TotalUnknownRecipient, 1)
		return false, err
	}

	if err := q.store.Set(ctx, dedupKey, "1", q.dedupTTL); err != nil {
		return false, core.NewFrameworkError("queue.Send", "queue", err)
	}

	for _, recipient := range recipients {
		copyMsg := *msg
		if len(recipients) > 1 {
			copyMsg.ID = core.NewID()
		}
		copyMsg.Recipient = recipient
		if err := q.enqueueOne(ctx, &copyMsg); err != nil {
			return false, err
		}
	}

	atomic.AddInt64(&q.stats.TotalSent, 1)
	return true, nil
}

func (q *RedisQueue) enqueueOne(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return core.NewFrameworkError("queue.Send", "queue", err)
	}
	score := sortKey(msg.Priority, msg.CreatedAt)
	return q.store.Tx(ctx, func(p kv.Pipeline) error {
		p.HSet(keys.Messages(), msg.ID, string(body))
		p.ZAdd(keys.AgentInbox(msg.Recipient), kv.Z{Score: score, Member: msg.ID})
		p.RPush(inboxSignal(msg.Recipient), "1")
		return nil
	})
}

func (q *RedisQueue) resolveRecipients(ctx context.Context, msg *Message) ([]string, error) {
	switch msg.Routing {
	case "", RoutingDirect:
		if msg.Recipient == "" {
			return nil, core.NewFrameworkError("queue.Send", "queue", core.ErrUnknownRecipient)
		}
		return []string{msg.Recipient}, nil

	case RoutingRoundRobin:
		ids, err := q.resolver.LiveAgentsByType(msg.Recipient)
		if err != nil || len(ids) == 0 {
			return nil, core.NewFrameworkError("queue.Send", "queue", core.ErrUnknownRecipient)
		}
		sort.Strings(ids)
		counter := q.counterFor(msg.Recipient)
		idx := atomic.AddUint64(counter, 1) - 1
		return []string{ids[idx%uint64(len(ids))]}, nil

	case RoutingLeastBusy:
		id, err := q.resolver.LeastBusyAgent(msg.Recipient)
		if err != nil || id == "" {
			return nil, core.NewFrameworkError("queue.Send", "queue", core.ErrUnknownRecipient)
		}
		return []string{id}, nil

	case RoutingBroadcast:
		ids, err := q.resolver.LiveAgentsByType(msg.Recipient)
		if err != nil || len(ids) == 0 {
			return nil, core.NewFrameworkError("queue.Send", "queue", core.ErrUnknownRecipient)
		}
		return ids, nil

	case RoutingTopic:
		subs, err := q.store.SMembers(ctx, keys.Topic(msg.Topic))
		if err != nil {
			return nil, core.NewFrameworkError("queue.Send", "queue", err)
		}
		if len(subs) == 0 {
			return nil, core.NewFrameworkError("queue.Send", "queue", core.ErrUnknownRecipient)
		}
		return subs, nil

	default:
		return nil, core.NewFrameworkError("queue.Send", "queue", core.ErrUnknownRecipient)
	}
}

func (q *RedisQueue) counterFor(key string) *uint64 {
	q.rrMu.Lock()
	defer q.rrMu.Unlock()
	if c, ok := q.roundRobin[key]; ok {
		return c
	}
	c := new(uint64)
	q.roundRobin[key] = c
	return c
}

// SendBatch calls Send for each message in turn, so each message is
// validated and written in its own transaction and gets its own result;
// a failure (e.g. unknown recipient) never aborts its siblings. The batch
// is not written as one single transaction.
func (q *RedisQueue) SendBatch(ctx context.Context, msgs []*Message) []SendResult {
	results := make([]SendResult, len(msgs))
	for i, m := range msgs {
		ok, err := q.Send(ctx, m)
		results[i] = SendResult{MessageID: m.ID, Sent: ok}
		if err != nil {
			results[i].Error = err.Error()
		}
	}
	return results
}

// Receive implements the blocking pop + expiry + dead-letter protocol.
func (q *RedisQueue) Receive(ctx context.Context, agentID string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	zkey := keys.AgentInbox(agentID)

	for {
		member, _, err := q.store.ZPopMin(ctx, zkey)
		if err != nil {
			return nil, core.NewFrameworkError("queue.Receive", "queue", err)
		}
		if member == "" {
			if timeout <= 0 {
				return nil, nil
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			if _, _, err := q.store.BRPop(ctx, remaining, inboxSignal(agentID)); err != nil {
				return nil, core.NewFrameworkError("queue.Receive", "queue", err)
			}
			if time.Now().After(deadline) {
				return nil, nil
			}
			continue
		}

		body, err := q.store.HGet(ctx, keys.Messages(), member)
		if err != nil {
			return nil, core.NewFrameworkError("queue.Receive", "queue", err)
		}
		if body == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			continue
		}
		if msg.Expired(time.Now()) {
			q.deadLetter(ctx, &msg, "expired")
			continue
		}

		now := time.Now()
		msg.Status = StatusProcessing
		msg.ProcessedAt = &now
		q.persist(ctx, &msg)
		atomic.AddInt64(&q.stats.TotalDelivered, 1)
		return &msg, nil
	}
}

func (q *RedisQueue) persist(ctx context.Context, msg *Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := q.store.HSet(ctx, keys.Messages(), msg.ID, string(body)); err != nil {
		q.logger.Warn("failed to persist message", map[string]interface{}{"id": msg.ID, "error": err.Error()})
	}
}

func (q *RedisQueue) deadLetter(ctx context.Context, msg *Message, reason string) {
	msg.Status = StatusDeadLetter
	if msg.Metadata == nil {
		msg.Metadata = map[string]interface{}{}
	}
	msg.Metadata["dead_letter_reason"] = reason
	q.persist(ctx, msg)
	if err := q.store.RPush(ctx, keys.QueueDeadLetter(), msg.ID); err != nil {
		q.logger.Warn("failed to dead-letter message", map[string]interface{}{"id": msg.ID, "error": err.Error()})
	}
	atomic.AddInt64(&q.stats.TotalDeadLettered, 1)
}

// Acknowledge implements the at-least-once retry/dead-letter protocol.
func (q *RedisQueue) Acknowledge(ctx context.Context, msg *Message, success bool) error {
	if success {
		msg.Status = StatusCompleted
		q.persist(ctx, msg)
		atomic.AddInt64(&q.stats.TotalAcked, 1)
		// Short retention: schedule removal instead of keeping forever.
		go func(id string) {
			time.Sleep(q.retention)
			_ = q.store.HDel(context.Background(), keys.Messages(), id)
		}(msg.ID)
		return nil
	}

	if msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		msg.Status = StatusRetry
		q.persist(ctx, msg)
		atomic.AddInt64(&q.stats.TotalRetried, 1)

		delay := q.backoff(msg.RetryCount)
		go func(m Message) {
			time.Sleep(delay)
			_ = q.enqueueOne(context.Background(), &m)
		}(*msg)
		return nil
	}

	q.deadLetter(ctx, msg, "max_retries_exceeded")
	return nil
}

func (q *RedisQueue) Subscribe(ctx context.Context, agentID, topic string) error {
	if err := q.store.SAdd(ctx, keys.Topic(topic), agentID); err != nil {
		return core.NewFrameworkError("queue.Subscribe", "queue", err)
	}
	return nil
}

func (q *RedisQueue) Unsubscribe(ctx context.Context, agentID, topic string) error {
	if err := q.store.SRem(ctx, keys.Topic(topic), agentID); err != nil {
		return core.NewFrameworkError("queue.Unsubscribe", "queue", err)
	}
	return nil
}

func (q *RedisQueue) Stats() Stats {
	return Stats{
		TotalSent:             atomic.LoadInt64(&q.stats.TotalSent),
		TotalDelivered:        atomic.LoadInt64(&q.stats.TotalDelivered),
		TotalAcked:            atomic.LoadInt64(&q.stats.TotalAcked),
		TotalRetried:          atomic.LoadInt64(&q.stats.TotalRetried),
		TotalDeadLettered:     atomic.LoadInt64(&q.stats.TotalDeadLettered),
		TotalDeduped:          atomic.LoadInt64(&q.stats.TotalDeduped),
		TotalUnknownRecipient: atomic.LoadInt64(&q.stats.TotalUnknownRecipient),
	}
}
