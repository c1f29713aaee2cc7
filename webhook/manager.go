package webhook

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/kv"
)

var keys = kv.Keys{}

const defaultFallbackCapacity = 1000

// Manager is the public contract for C7, matching spec §4.6.
type Manager struct {
	store  kv.Store
	logger core.Logger

	mu       sync.RWMutex
	configs  map[string]*Config
	handlers map[string][]*Handler
	limiters map[string]*rateWindow

	fallbackMu  sync.Mutex
	fallback    []*Event
	fallbackCap int

	workerCount int
	stopCh      chan struct{}
	wg          sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// NewManager builds a Manager with workerCount dispatch goroutines once
// Start is called.
func NewManager(store kv.Store, workerCount int, logger core.Logger) *Manager {
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = core.NewProductionLogger(core.DefaultLoggingConfig(), "webhook")
	}
	return &Manager{
		store:       store,
		logger:      logger,
		configs:     make(map[string]*Config),
		handlers:    make(map[string][]*Handler),
		limiters:    make(map[string]*rateWindow),
		fallbackCap: defaultFallbackCapacity,
		workerCount: workerCount,
	}
}

// RegisterWebhook records cfg, keyed by event type.
func (m *Manager) RegisterWebhook(cfg Config) error {
	if cfg.EventType == "" {
		return core.NewFrameworkError("webhook.RegisterWebhook", "webhook", core.ErrInvalidConfiguration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cfg
	m.configs[cfg.EventType] = &c
	m.limiters[cfg.EventType] = newRateWindow(cfg.RateLimitPerMin)
	return nil
}

// RegisterHandler adds h to the descending-priority dispatch chain for
// its event type.
func (m *Manager) RegisterHandler(h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.handlers[h.EventType], &h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	m.handlers[h.EventType] = list
	return nil
}

// Receive verifies, records, and enqueues an inbound webhook delivery,
// returning its event id (spec §4.6).
func (m *Manager) Receive(ctx context.Context, eventType, source string, headers map[string]string, payload []byte, signature string) (string, error) {
	m.mu.RLock()
	cfg, ok := m.configs[eventType]
	m.mu.RUnlock()
	if !ok {
		m.reject()
		return "", core.NewFrameworkError("webhook.Receive", "webhook", core.ErrUnknownEventType)
	}

	if err := verifySignature(cfg, payload, signature); err != nil {
		m.reject()
		return "", err
	}

	evt := &Event{
		ID:        core.NewID(),
		EventType: eventType,
		Source:    source,
		Headers:   headers,
		Payload:   payload,
		Signature: signature,
		Timestamp: time.Now(),
		Status:    StatusPending,
	}

	if err := m.enqueue(ctx, cfg, evt); err != nil {
		m.reject()
		return "", err
	}

	m.statsMu.Lock()
	m.stats.TotalReceived++
	m.statsMu.Unlock()
	return evt.ID, nil
}

func (m *Manager) reject() {
	m.statsMu.Lock()
	m.stats.TotalRejected++
	m.statsMu.Unlock()
}

func (m *Manager) persist(ctx context.Context, evt *Event) {
	b, _ := json.Marshal(evt)
	m.store.HSet(ctx, keys.WebhookEvents(), evt.ID, string(b))
}

// enqueue pushes evt's canonical body and id onto the durable KV queue,
// falling back to a bounded in-process slice if the store is
// unavailable (spec §4.6).
func (m *Manager) enqueue(ctx context.Context, cfg *Config, evt *Event) error {
	m.persist(ctx, evt)
	if err := m.store.LPush(ctx, keys.WebhookQueue(), evt.ID); err == nil {
		return nil
	}

	limit := cfg.QueueSize
	if limit <= 0 {
		limit = m.fallbackCap
	}
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	if len(m.fallback) >= limit {
		return core.NewFrameworkError("webhook.enqueue", "webhook", core.ErrQueueFull)
	}
	m.fallback = append(m.fallback, evt)
	return nil
}

func (m *Manager) dequeue(ctx context.Context, timeout time.Duration) *Event {
	_, id, err := m.store.BRPop(ctx, timeout, keys.WebhookQueue())
	if err == nil && id != "" {
		raw, err := m.store.HGet(ctx, keys.WebhookEvents(), id)
		if err == nil {
			var evt Event
			if json.Unmarshal([]byte(raw), &evt) == nil {
				return &evt
			}
		}
	}

	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	if len(m.fallback) == 0 {
		return nil
	}
	evt := m.fallback[0]
	m.fallback = m.fallback[1:]
	return evt
}

// Start launches the worker pool. Call Stop to shut it down.
func (m *Manager) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
}

func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		evt := m.dequeue(ctx, time.Second)
		if evt == nil {
			continue
		}
		m.dispatch(ctx, evt)
	}
}

// dispatch runs every registered handler for evt's event type in
// descending priority order, then applies the retry/dead-letter policy
// on failure (spec §4.6).
func (m *Manager) dispatch(ctx context.Context, evt *Event) {
	m.mu.RLock()
	cfg := m.configs[evt.EventType]
	limiter := m.limiters[evt.EventType]
	handlerList := append([]*Handler(nil), m.handlers[evt.EventType]...)
	m.mu.RUnlock()

	if cfg == nil {
		return
	}
	if limiter != nil && !limiter.allow(time.Now()) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			m.enqueue(ctx, cfg, evt)
		}()
		return
	}

	start := time.Now()
	evt.Status = StatusProcessing
	m.persist(ctx, evt)

	anyFailed := false
	for _, h := range handlerList {
		if err := h.Fn(ctx, evt); err != nil {
			anyFailed = true
			evt.LastError = err.Error()
		}
	}
	evt.ProcessingTime = time.Since(start)

	if !anyFailed {
		evt.Status = StatusCompleted
		m.persist(ctx, evt)
		m.statsMu.Lock()
		m.stats.TotalProcessed++
		m.statsMu.Unlock()
		return
	}

	evt.RetryCount++
	deadLetterAt := cfg.DeadLetterAfter
	if deadLetterAt <= 0 {
		deadLetterAt = cfg.MaxRetries
	}
	if evt.RetryCount >= deadLetterAt || (cfg.MaxRetries > 0 && evt.RetryCount > cfg.MaxRetries) {
		m.deadLetter(ctx, evt)
		return
	}

	evt.Status = StatusRetrying
	m.persist(ctx, evt)
	m.statsMu.Lock()
	m.stats.TotalFailed++
	m.statsMu.Unlock()

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2
	}
	delay := time.Duration(float64(cfg.RetryDelay) * math.Pow(backoff, float64(evt.RetryCount)))
	go func() {
		time.Sleep(delay)
		m.enqueue(ctx, cfg, evt)
	}()
}

func (m *Manager) deadLetter(ctx context.Context, evt *Event) {
	evt.Status = StatusDeadLetter
	b, _ := json.Marshal(evt)
	m.store.HSet(ctx, keys.WebhookDeadLetter(), evt.ID, string(b))
	m.store.HDel(ctx, keys.WebhookEvents(), evt.ID)
	m.statsMu.Lock()
	m.stats.TotalDeadLettered++
	m.statsMu.Unlock()
}

func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s := m.stats
	m.fallbackMu.Lock()
	s.QueueDepth = int64(len(m.fallback))
	m.fallbackMu.Unlock()
	return s
}
