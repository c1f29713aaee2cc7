package registry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/kv"
)

var keys = kv.Keys{}

// EventMsg is delivered to subscribers on any state transition.
type EventMsg struct {
	Event Event
	Agent Record
}

// Registry is the public contract for C3, matching spec §4.2.
type Registry interface {
	Register(ctx context.Context, agent *Record) error
	Unregister(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status Status, metrics *Metrics) error
	Heartbeat(ctx context.Context, id string, metrics *Metrics) error
	Get(ctx context.Context, id string) (*Record, error)
	ByCapability(ctx context.Context, cap Capability) ([]*Record, error)
	ByType(ctx context.Context, agentType string) ([]*Record, error)
	Available(ctx context.Context, cap Capability, agentType string) ([]*Record, error)
	Select(ctx context.Context, cap Capability, agentType string, strategy Strategy) (*Record, error)
	Stats() Stats
	Subscribe() <-chan EventMsg
}

// RedisRegistry keeps live in-process indices mirrored in the KV store so
// a fresh process can rebuild them on start, grounded on the teacher's
// RedisRegistry (core/redis_registry.go): register/heartbeat with
// self-healing jittered backoff, TTL-refreshed index sets.
type RedisRegistry struct {
	store  kv.Store
	logger core.Logger

	mu      sync.RWMutex
	records map[string]*Record

	roundRobin map[string]*uint64

	subscribers []chan EventMsg
	subMu       sync.Mutex

	stopSweep chan struct{}

	stats Stats
}

type Option func(*RedisRegistry)

func WithLogger(l core.Logger) Option { return func(r *RedisRegistry) { r.logger = l } }

func NewRedisRegistry(store kv.Store, opts ...Option) *RedisRegistry {
	r := &RedisRegistry{
		store:      store,
		logger:     &core.NoOpLogger{},
		records:    make(map[string]*Record),
		roundRobin: make(map[string]*uint64),
		stopSweep:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.LoadFromStore(context.Background()); err != nil {
		r.logger.Error("registry: failed to rebuild from KV mirror on start", map[string]interface{}{"error": err.Error()})
	}
	return r
}

// LoadFromStore rebuilds the in-memory index from the KV mirror at
// keys.Agents(), the counterpart to persist that makes a freshly started
// process aware of agents registered by a previous one, grounded on the
// teacher's RedisRegistry.loadAgents startup scan. A read failure is
// logged, not fatal — the registry still comes up empty and self-heals as
// agents re-register or heartbeat, matching the teacher's resilience style
// (compare sweepOnce in this package).
func (r *RedisRegistry) LoadFromStore(ctx context.Context) error {
	raw, err := r.store.HGetAll(ctx, keys.Agents())
	if err != nil {
		return core.NewFrameworkError("registry.LoadFromStore", "registry", err)
	}

	records := make(map[string]*Record, len(raw))
	for id, body := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			r.logger.Error("registry: skipping unreadable agent record in KV mirror", map[string]interface{}{"agent_id": id, "error": err.Error()})
			continue
		}
		records[id] = &rec
	}

	r.mu.Lock()
	r.records = records
	r.stats.TotalAgents = int64(len(records))
	r.mu.Unlock()
	return nil
}

// StartHealthSweep runs a background loop, on a jittered timer, that marks
// agents missing heartbeats OFFLINE and emits a failed event for each;
// the recovered event comes from Heartbeat, not from the sweep. Grounded
// on the teacher's maintainRegistration self-healing loop with jittered
// backoff.
func (r *RedisRegistry) StartHealthSweep(ctx context.Context, interval time.Duration) {
	go func() {
		timer := time.NewTimer(interval + jitter(int64(interval/time.Millisecond/10)))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopSweep:
				return
			case <-timer.C:
				r.sweepOnce()
				timer.Reset(interval + jitter(int64(interval/time.Millisecond/10)))
			}
		}
	}()
}

func (r *RedisRegistry) StopHealthSweep() {
	close(r.stopSweep)
}

func (r *RedisRegistry) sweepOnce() {
	now := time.Now()
	r.mu.Lock()
	var toFail []*Record
	for _, rec := range r.records {
		if rec.Status != StatusOffline && !rec.Healthy(now) {
			rec.Status = StatusOffline
			toFail = append(toFail, rec)
		}
	}
	r.mu.Unlock()
	for _, rec := range toFail {
		r.emit(EventFailed, *rec)
		r.persist(context.Background(), rec)
	}
}

func jitter(maxMillis int64) time.Duration {
	if maxMillis < 1 {
		maxMillis = 1
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(maxMillis))
	return time.Duration(n.Int64()) * time.Millisecond
}

func (r *RedisRegistry) emit(evt Event, rec Record) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- EventMsg{Event: evt, Agent: rec}:
		default:
		}
	}
}

func (r *RedisRegistry) Subscribe() <-chan EventMsg {
	ch := make(chan EventMsg, 32)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()
	return ch
}

func (r *RedisRegistry) persist(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return core.NewFrameworkError("registry.persist", "registry", err)
	}
	err = r.store.Tx(ctx, func(p kv.Pipeline) error {
		p.HSet(keys.Agents(), rec.ID, string(body))
		for _, cap := range rec.Capabilities {
			p.SAdd(keys.Capability(string(cap)), rec.ID)
		}
		p.SAdd(keys.AgentType(rec.Type), rec.ID)
		interval := rec.HeartbeatInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		for _, cap := range rec.Capabilities {
			p.Expire(keys.Capability(string(cap)), interval*4)
		}
		p.Expire(keys.AgentType(rec.Type), interval*4)
		return nil
	})
	if err != nil {
		return core.NewFrameworkError("registry.persist", "registry", err)
	}
	return nil
}

func (r *RedisRegistry) Register(ctx context.Context, agent *Record) error {
	if agent.ID == "" {
		agent.ID = core.NewID()
	}
	agent.RegisteredAt = time.Now()
	agent.LastHeartbeat = time.Now()
	if agent.Status == "" {
		agent.Status = StatusStarting
	}
	if agent.Weight == 0 {
		agent.Weight = 1.0
	}
	if agent.HeartbeatInterval == 0 {
		agent.HeartbeatInterval = 10 * time.Second
	}

	r.mu.Lock()
	_, existed := r.records[agent.ID]
	if existed {
		// Duplicate register replaces the record but preserves counters.
		prev := r.records[agent.ID]
		agent.Metrics.TotalTasks = prev.Metrics.TotalTasks
		agent.Metrics.CompletedTasks = prev.Metrics.CompletedTasks
		agent.Metrics.FailedTasks = prev.Metrics.FailedTasks
	}
	r.records[agent.ID] = agent
	atomic.AddInt64(&r.stats.TotalAgents, boolToInt64(!existed))
	r.mu.Unlock()

	if err := r.persist(ctx, agent); err != nil {
		return err
	}
	r.emit(EventRegistered, *agent)
	return nil
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil // idempotent
	}

	err := r.store.Tx(ctx, func(p kv.Pipeline) error {
		for _, cap := range rec.Capabilities {
			p.SRem(keys.Capability(string(cap)), id)
		}
		p.SRem(keys.AgentType(rec.Type), id)
		return nil
	})
	if hErr := r.store.HDel(ctx, keys.Agents(), id); hErr != nil {
		err = hErr
	}
	if err != nil {
		return core.NewFrameworkError("registry.Unregister", "registry", err)
	}
	r.emit(EventUnregistered, *rec)
	return nil
}

func (r *RedisRegistry) UpdateStatus(ctx context.Context, id string, status Status, metrics *Metrics) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return core.NewFrameworkError("registry.UpdateStatus", "registry", core.ErrNotFound)
	}
	prevStatus := rec.Status
	rec.Status = status
	if metrics != nil {
		rec.Metrics = *metrics
	}
	r.mu.Unlock()

	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	if prevStatus != status {
		r.emit(EventStatusChanged, *rec)
		if prevStatus == StatusOffline && status != StatusOffline {
			r.emit(EventRecovered, *rec)
		}
	}
	return nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, id string, metrics *Metrics) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return core.NewFrameworkError("registry.Heartbeat", "registry", core.ErrNotFound)
	}
	wasOffline := rec.Status == StatusOffline
	rec.LastHeartbeat = time.Now()
	if metrics != nil {
		rec.Metrics = *metrics
	}
	if wasOffline {
		rec.Status = StatusIdle
	}
	r.mu.Unlock()

	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	if wasOffline {
		r.emit(EventRecovered, *rec)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, core.NewFrameworkError("registry.Get", "registry", core.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (r *RedisRegistry) ByCapability(ctx context.Context, cap Capability) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.HasCapability(cap) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *RedisRegistry) ByType(ctx context.Context, agentType string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.Type == agentType {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *RedisRegistry) Available(ctx context.Context, cap Capability, agentType string) ([]*Record, error) {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.Eligible(cap, agentType, now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Select implements the five load-balancing strategies of spec §4.2.
func (r *RedisRegistry) Select(ctx context.Context, cap Capability, agentType string, strategy Strategy) (*Record, error) {
	candidates, _ := r.Available(ctx, cap, agentType)
	if len(candidates) == 0 {
		atomic.AddInt64(&r.stats.NoEligibleCount, 1)
		return nil, core.NewFrameworkError("registry.Select", "registry", core.ErrNoEligibleAgent)
	}
	atomic.AddInt64(&r.stats.TotalSelections, 1)

	var chosen *Record
	switch strategy {
	case StrategyLeastConnections:
		chosen = minBy(candidates, func(rec *Record) float64 { return float64(rec.Metrics.CurrentLoad) })
	case StrategyLeastResponseTime:
		chosen = minBy(candidates, func(rec *Record) float64 { return rec.Metrics.AverageResponseTime })
	case StrategyResourceBased:
		chosen = minBy(candidates, func(rec *Record) float64 {
			load := 0.0
			if rec.Metrics.MaxConcurrent > 0 {
				load = float64(rec.Metrics.CurrentLoad) / float64(rec.Metrics.MaxConcurrent)
			}
			return load + rec.Metrics.CPUPercent/100 + rec.Metrics.MemoryPercent/100
		})
	case StrategyWeightedRoundRobin:
		chosen = weightedPick(candidates)
	default: // StrategyRoundRobin
		key := string(cap) + "|" + agentType
		counter := r.counterFor(key)
		idx := atomic.AddUint64(counter, 1) - 1
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		chosen = candidates[idx%uint64(len(candidates))]
	}
	return chosen, nil
}

func (r *RedisRegistry) counterFor(key string) *uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.roundRobin[key]; ok {
		return c
	}
	c := new(uint64)
	r.roundRobin[key] = c
	return c
}

func minBy(candidates []*Record, score func(*Record) float64) *Record {
	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		if s := score(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func weightedPick(candidates []*Record) *Record {
	var total float64
	for _, c := range candidates {
		total += c.Weight
	}
	if total <= 0 {
		return candidates[0]
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	r := (float64(n.Int64()) / float64(int64(1)<<32)) * total
	var acc float64
	for _, c := range candidates {
		acc += c.Weight
		if r <= acc {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func (r *RedisRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	healthy, offline := int64(0), int64(0)
	now := time.Now()
	for _, rec := range r.records {
		if rec.Healthy(now) {
			healthy++
		} else {
			offline++
		}
	}
	return Stats{
		TotalAgents:     int64(len(r.records)),
		HealthyAgents:   healthy,
		OfflineAgents:   offline,
		TotalSelections: atomic.LoadInt64(&r.stats.TotalSelections),
		NoEligibleCount: atomic.LoadInt64(&r.stats.NoEligibleCount),
	}
}

// LiveAgentsByType and LeastBusyAgent satisfy queue.AgentResolver so the
// message queue (C2) can resolve ROUND_ROBIN/LEAST_BUSY/BROADCAST
// recipients without importing this package's full interface.
func (r *RedisRegistry) LiveAgentsByType(agentType string) ([]string, error) {
	recs, _ := r.ByType(context.Background(), agentType)
	now := time.Now()
	var ids []string
	for _, rec := range recs {
		if rec.Healthy(now) {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (r *RedisRegistry) LeastBusyAgent(agentType string) (string, error) {
	rec, err := r.Select(context.Background(), "", agentType, StrategyLeastConnections)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}
