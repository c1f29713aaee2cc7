package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/kv"
)

// Coordinator is the shared-state contract every agent-facing API call
// goes through (spec §4.3).
type Coordinator interface {
	AcquireLock(ctx context.Context, key, agentID string, lockType LockType, timeout time.Duration) (*Lock, error)
	ReleaseLock(ctx context.Context, lockID, agentID string) error
	Read(ctx context.Context, key, agentID string) (*Entry, error)
	Write(ctx context.Context, key string, value map[string]interface{}, agentID, lockID string, expectedVersion int64, sync SyncStrategy) (*Entry, error)
	Sync(ctx context.Context, keys ...string) error
	ResolveConflict(ctx context.Context, conflictID string, strategy ConflictStrategy, manualValue map[string]interface{}) (*Entry, error)
	Stats() Stats
	StartLockSweep(ctx context.Context, interval time.Duration)
	StopLockSweep()
}

// Config tunes a RedisCoordinator beyond its spec-mandated defaults.
type Config struct {
	DefaultConflictStrategy ConflictStrategy
	DefaultLockTTL          time.Duration
	CacheCapacity           int // Open Question: bounded LRU size, default 10,000 entries.
}

func DefaultConfig() Config {
	return Config{
		DefaultConflictStrategy: ConflictLastWriterWins,
		DefaultLockTTL:          core.DefaultLockTTL,
		CacheCapacity:           10000,
	}
}

// RedisCoordinator is the Redis-backed Coordinator implementation.
type RedisCoordinator struct {
	store  kv.Store
	keys   kv.Keys
	cfg    Config
	logger core.Logger

	mu    sync.RWMutex
	locks map[string]*Lock // lockID -> lock
	byKey map[string][]*Lock

	conflicts map[string]*Conflict
	cache     *lruCache

	stats Stats

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewRedisCoordinator(store kv.Store, cfg Config, logger core.Logger) *RedisCoordinator {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 10000
	}
	if cfg.DefaultConflictStrategy == "" {
		cfg.DefaultConflictStrategy = ConflictLastWriterWins
	}
	if logger == nil {
		logger = core.NewProductionLogger(core.DefaultLoggingConfig(), "memory")
	}
	return &RedisCoordinator{
		store:     store,
		cfg:       cfg,
		locks:     make(map[string]*Lock),
		byKey:     make(map[string][]*Lock),
		conflicts: make(map[string]*Conflict),
		cache:     newLRUCache(cfg.CacheCapacity),
		logger:    logger,
	}
}

func checksum(value map[string]interface{}) string {
	b, _ := json.Marshal(value)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AcquireLock implements spec §4.3's compatibility-matrix lock grant: it
// succeeds immediately if every existing lock on key is compatible with
// the requested type, and otherwise polls until timeout elapses.
func (c *RedisCoordinator) AcquireLock(ctx context.Context, key, agentID string, lockType LockType, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		if lock, ok := c.tryAcquire(key, agentID, lockType); ok {
			if err := c.persistLock(ctx, lock); err != nil {
				return nil, err
			}
			return lock, nil
		}
		c.mu.Lock()
		c.stats.LockContention++
		c.mu.Unlock()
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, core.NewFrameworkError("memory.AcquireLock", "memory", core.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (c *RedisCoordinator) tryAcquire(key, agentID string, lockType LockType) (*Lock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	live := c.byKey[key][:0]
	for _, l := range c.byKey[key] {
		if l.Expired(now) {
			delete(c.locks, l.ID)
			continue
		}
		live = append(live, l)
	}
	c.byKey[key] = live

	for _, l := range live {
		if l.AgentID == agentID {
			continue
		}
		if !compatible(l.Type, lockType) {
			return nil, false
		}
	}

	lock := &Lock{
		ID:         core.NewID(),
		Key:        key,
		AgentID:    agentID,
		Type:       lockType,
		AcquiredAt: now,
		ExpiresAt:  now.Add(c.cfg.DefaultLockTTL),
	}
	c.locks[lock.ID] = lock
	c.byKey[key] = append(c.byKey[key], lock)
	return lock, true
}

func (c *RedisCoordinator) persistLock(ctx context.Context, l *Lock) error {
	b, _ := json.Marshal(l)
	if err := c.store.HSet(ctx, c.keys.MemoryLocks(), l.ID, string(b)); err != nil {
		return core.NewFrameworkError("memory.AcquireLock", "memory", err)
	}
	return nil
}

// ReleaseLock only releases a lock its holder owns, mirroring spec §4.3's
// holder-scoped release.
func (c *RedisCoordinator) ReleaseLock(ctx context.Context, lockID, agentID string) error {
	c.mu.Lock()
	lock, ok := c.locks[lockID]
	if !ok {
		c.mu.Unlock()
		return core.NewFrameworkError("memory.ReleaseLock", "memory", core.ErrLockNotHeld)
	}
	if lock.AgentID != agentID {
		c.mu.Unlock()
		return core.NewFrameworkError("memory.ReleaseLock", "memory", core.ErrLockNotHeld)
	}
	delete(c.locks, lockID)
	remaining := c.byKey[lock.Key][:0]
	for _, l := range c.byKey[lock.Key] {
		if l.ID != lockID {
			remaining = append(remaining, l)
		}
	}
	c.byKey[lock.Key] = remaining
	c.mu.Unlock()

	if err := c.store.HDel(ctx, c.keys.MemoryLocks(), lockID); err != nil {
		return core.NewFrameworkError("memory.ReleaseLock", "memory", err)
	}
	return nil
}

func (c *RedisCoordinator) lockHeld(key, agentID, lockID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	for _, l := range c.byKey[key] {
		if l.Expired(now) {
			continue
		}
		if l.Type == LockExclusive && l.ID != lockID {
			return false
		}
	}
	if lockID == "" {
		return true
	}
	l, ok := c.locks[lockID]
	return ok && l.AgentID == agentID && !l.Expired(now)
}

// Read fetches the current value of key, serving from the bounded cache
// when present.
func (c *RedisCoordinator) Read(ctx context.Context, key, agentID string) (*Entry, error) {
	c.mu.Lock()
	c.stats.TotalReads++
	c.mu.Unlock()

	if e, ok := c.cache.get(key); ok {
		c.mu.Lock()
		c.stats.CacheHits++
		c.mu.Unlock()
		e.AccessCount++
		e.LastAccessed = time.Now()
		return e, nil
	}
	c.mu.Lock()
	c.stats.CacheMisses++
	c.mu.Unlock()

	raw, err := c.store.HGet(ctx, c.keys.MemoryEntries(), key)
	if err != nil {
		return nil, core.NewFrameworkError("memory.Read", "memory", core.ErrNotFound)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, core.NewFrameworkError("memory.Read", "memory", err)
	}
	e.AccessCount++
	e.LastAccessed = time.Now()
	c.cache.put(key, &e)
	return &e, nil
}

// Write implements spec §4.3: it enforces lock ownership, detects version
// conflicts against expectedVersion, and resolves them per strategy
// before the new value becomes visible.
func (c *RedisCoordinator) Write(ctx context.Context, key string, value map[string]interface{}, agentID, lockID string, expectedVersion int64, strategy SyncStrategy) (*Entry, error) {
	if !c.lockHeld(key, agentID, lockID) {
		return nil, core.NewFrameworkError("memory.Write", "memory", core.ErrLockNotHeld)
	}

	current, _ := c.Read(ctx, key, agentID)

	now := time.Now()
	next := &Entry{
		Key:          key,
		Value:        value,
		CreatedBy:    agentID,
		CreatedAt:    now,
		UpdatedBy:    agentID,
		UpdatedAt:    now,
		LastAccessed: now,
		Checksum:     checksum(value),
	}

	if current == nil {
		next.Version = 1
		next.CreatedBy = agentID
		next.CreatedAt = now
	} else {
		next.CreatedBy = current.CreatedBy
		next.CreatedAt = current.CreatedAt
		next.AccessCount = current.AccessCount

		if expectedVersion != 0 && current.Version != expectedVersion {
			resolved, err := c.handleConflict(ctx, current, next)
			if err != nil {
				return nil, err
			}
			next = resolved
		} else {
			next.Version = current.Version + 1
		}
	}

	if err := c.persistEntry(ctx, next, strategy); err != nil {
		return nil, err
	}
	c.appendVersion(ctx, next, OpWrite)
	c.cache.put(key, next)

	c.mu.Lock()
	c.stats.TotalWrites++
	c.mu.Unlock()
	return next, nil
}

func (c *RedisCoordinator) handleConflict(ctx context.Context, current, incoming *Entry) (*Entry, error) {
	c.mu.Lock()
	c.stats.ConflictsDetected++
	c.mu.Unlock()

	strategy := c.cfg.DefaultConflictStrategy
	switch strategy {
	case ConflictLastWriterWins:
		incoming.Version = current.Version + 1
		c.markResolved(incoming.Key)
		return incoming, nil
	case ConflictFirstWriterWins:
		c.markResolved(current.Key)
		return current, nil
	case ConflictMerge:
		merged := map[string]interface{}{}
		for k, v := range current.Value {
			merged[k] = v
		}
		for k, v := range incoming.Value {
			merged[k] = v
		}
		incoming.Value = merged
		incoming.Version = current.Version + 1
		incoming.Checksum = checksum(merged)
		c.markResolved(current.Key)
		return incoming, nil
	case ConflictVersionBased, ConflictManual:
		conflict := &Conflict{
			ID:         core.NewID(),
			Key:        current.Key,
			Candidates: []Entry{*current, *incoming},
			DetectedAt: time.Now(),
		}
		c.mu.Lock()
		c.conflicts[conflict.ID] = conflict
		c.mu.Unlock()
		b, _ := json.Marshal(conflict)
		c.store.HSet(ctx, c.keys.MemoryConflicts(), conflict.ID, string(b))
		return nil, core.NewFrameworkError("memory.Write", "memory", core.ErrConflictUnresolved)
	default:
		incoming.Version = current.Version + 1
		return incoming, nil
	}
}

func (c *RedisCoordinator) markResolved(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.ConflictsResolved++
}

// ResolveConflict applies a caller-chosen (or manual) resolution to a
// pending conflict, satisfying spec §4.3's MANUAL path.
func (c *RedisCoordinator) ResolveConflict(ctx context.Context, conflictID string, strategy ConflictStrategy, manualValue map[string]interface{}) (*Entry, error) {
	c.mu.Lock()
	conflict, ok := c.conflicts[conflictID]
	c.mu.Unlock()
	if !ok {
		return nil, core.NewFrameworkError("memory.ResolveConflict", "memory", core.ErrNotFound)
	}
	if len(conflict.Candidates) != 2 {
		return nil, core.NewFrameworkError("memory.ResolveConflict", "memory", core.ErrConflictUnresolved)
	}
	current, incoming := conflict.Candidates[0], conflict.Candidates[1]

	var resolved *Entry
	switch strategy {
	case ConflictManual:
		if manualValue == nil {
			return nil, core.NewFrameworkError("memory.ResolveConflict", "memory", core.ErrConflictUnresolved)
		}
		resolved = &Entry{
			Key: conflict.Key, Value: manualValue, Version: current.Version + 1,
			CreatedBy: current.CreatedBy, CreatedAt: current.CreatedAt,
			UpdatedBy: incoming.UpdatedBy, UpdatedAt: time.Now(),
			Checksum: checksum(manualValue),
		}
	case ConflictMerge:
		merged := map[string]interface{}{}
		for k, v := range current.Value {
			merged[k] = v
		}
		for k, v := range incoming.Value {
			merged[k] = v
		}
		resolved = &incoming
		resolved.Value = merged
		resolved.Version = current.Version + 1
		resolved.Checksum = checksum(merged)
	default:
		resolved = &incoming
		resolved.Version = current.Version + 1
	}

	if err := c.persistEntry(ctx, resolved, SyncImmediate); err != nil {
		return nil, err
	}
	c.appendVersion(ctx, resolved, OpUpdate)
	c.cache.put(resolved.Key, resolved)

	conflict.Resolved = true
	c.mu.Lock()
	delete(c.conflicts, conflictID)
	c.stats.ConflictsResolved++
	c.mu.Unlock()
	c.store.HDel(ctx, c.keys.MemoryConflicts(), conflictID)

	return resolved, nil
}

func (c *RedisCoordinator) persistEntry(ctx context.Context, e *Entry, strategy SyncStrategy) error {
	b, err := json.Marshal(e)
	if err != nil {
		return core.NewFrameworkError("memory.Write", "memory", err)
	}
	switch strategy {
	case SyncBatch, SyncPeriodic:
		// Visible to readers immediately via cache; durable write happens
		// on the next Sync sweep.
		c.cache.put(e.Key, e)
		return nil
	default: // IMMEDIATE, EVENTUAL
		if err := c.store.HSet(ctx, c.keys.MemoryEntries(), e.Key, string(b)); err != nil {
			return core.NewFrameworkError("memory.Write", "memory", err)
		}
		return nil
	}
}

func (c *RedisCoordinator) appendVersion(ctx context.Context, e *Entry, op VersionOp) {
	v := Version{Version: e.Version, AgentID: e.UpdatedBy, Timestamp: e.UpdatedAt, Operation: op, Checksum: e.Checksum}
	b, _ := json.Marshal(v)
	c.store.RPush(ctx, c.keys.MemoryVersions(e.Key), string(b))
}

// Sync flushes any cache-only (BATCH/PERIODIC) writes for the given keys
// to durable storage, or every cached key if none are named.
func (c *RedisCoordinator) Sync(ctx context.Context, keys ...string) error {
	targets := keys
	if len(targets) == 0 {
		targets = c.cache.keys()
	}
	sort.Strings(targets)
	for _, k := range targets {
		e, ok := c.cache.get(k)
		if !ok {
			continue
		}
		if err := c.persistDurable(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *RedisCoordinator) persistDurable(ctx context.Context, e *Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return core.NewFrameworkError("memory.Sync", "memory", err)
	}
	if err := c.store.HSet(ctx, c.keys.MemoryEntries(), e.Key, string(b)); err != nil {
		return core.NewFrameworkError("memory.Sync", "memory", err)
	}
	return nil
}

func (c *RedisCoordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.CacheSize = c.cache.len()
	return s
}

// StartLockSweep periodically reaps expired locks so a crashed holder
// doesn't wedge a key forever.
func (c *RedisCoordinator) StartLockSweep(ctx context.Context, interval time.Duration) {
	c.stopSweep = make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopSweep:
				return
			case <-t.C:
				c.reapExpiredLocks(ctx)
			}
		}
	}()
}

func (c *RedisCoordinator) StopLockSweep() {
	c.sweepOnce.Do(func() {
		if c.stopSweep != nil {
			close(c.stopSweep)
		}
	})
}

func (c *RedisCoordinator) reapExpiredLocks(ctx context.Context) {
	c.mu.Lock()
	now := time.Now()
	var expired []string
	for id, l := range c.locks {
		if l.Expired(now) {
			expired = append(expired, id)
			delete(c.locks, id)
		}
	}
	for key, locks := range c.byKey {
		live := locks[:0]
		for _, l := range locks {
			if !l.Expired(now) {
				live = append(live, l)
			}
		}
		c.byKey[key] = live
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.store.HDel(ctx, c.keys.MemoryLocks(), id)
	}
	if len(expired) > 0 {
		c.logger.Debug(fmt.Sprintf("reaped %d expired memory locks", len(expired)), nil)
	}
}
