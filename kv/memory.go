package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in unit tests. (The webhook
// manager's fallback when the store is unreachable is its own bounded
// in-process slice, not a MemoryStore.)
// Grounded on the teacher's core/memory_store.go TTL-sweep shape,
// generalized from a single flat map to the full Store surface.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]expiring
	hashes  map[string]map[string]string
	lists   map[string][]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time

	waiters map[string][]chan struct{}
}

type expiring struct {
	value string
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]expiring),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		waiters: make(map[string][]chan struct{}),
	}
}

func (m *MemoryStore) expired(key string) bool {
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		delete(m.strings, key)
		delete(m.expiry, key)
		return true
	}
	return false
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", nil
	}
	return m.strings[key].value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = expiring{value: value}
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.hashes, k)
		delete(m.lists, k)
		delete(m.zsets, k)
		delete(m.sets, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	_, ok := m.strings[key]
	if ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.lists[key]; ok {
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expiry[key]
	if !ok {
		return -1, nil
	}
	remaining := time.Until(exp)
	if remaining < 0 {
		return -2, nil
	}
	return remaining, nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	cur, _ := strconv.ParseInt(m.strings[key].value, 10, 64)
	cur++
	m.strings[key] = expiring{value: strconv.FormatInt(cur, 10)}
	return cur, nil
}

func (m *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[key][field], nil
}

func (m *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	m.hashes[key][field] = value
	return nil
}

func (m *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fields {
		delete(m.hashes[key], f)
	}
	return nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.hashes[key])), nil
}

func (m *MemoryStore) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	m.notify(key)
	return nil
}

func (m *MemoryStore) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	m.notify(key)
	return nil
}

func (m *MemoryStore) RPop(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", nil
	}
	v := l[len(l)-1]
	m.lists[key] = l[:len(l)-1]
	return v, nil
}

// notify must be called with m.mu held.
func (m *MemoryStore) notify(key string) {
	for _, ch := range m.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *MemoryStore) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(24 * time.Hour)
	}
	for {
		m.mu.Lock()
		for _, k := range keys {
			if l := m.lists[k]; len(l) > 0 {
				v := l[len(l)-1]
				m.lists[k] = l[:len(l)-1]
				m.mu.Unlock()
				return k, v, nil
			}
		}
		ch := make(chan struct{}, 1)
		for _, k := range keys {
			m.waiters[k] = append(m.waiters[k], ch)
		}
		m.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return "", "", nil
		}
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ch:
		case <-time.After(wait):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", "", nil
		}
	}
}

func (m *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key string, members ...Z) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	for _, z := range members {
		m.zsets[key][z.Member] = z.Score
	}
	return nil
}

func (m *MemoryStore) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		delete(m.zsets[key], mem)
	}
	return nil
}

func (m *MemoryStore) sortedMembers(key string) []Z {
	zs := make([]Z, 0, len(m.zsets[key]))
	for member, score := range m.zsets[key] {
		zs = append(zs, Z{Score: score, Member: member})
	}
	sort.Slice(zs, func(i, j int) bool { return zs[i].Score < zs[j].Score })
	return zs
}

func (m *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max string, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := parseScoreBound(min, false), parseScoreBound(max, true)
	var out []string
	for _, z := range m.sortedMembers(key) {
		if z.Score >= lo && z.Score <= hi {
			out = append(out, z.Member)
			if limit > 0 && int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func parseScoreBound(s string, isMax bool) float64 {
	if s == "-inf" {
		return -1 << 62
	}
	if s == "+inf" {
		return 1 << 62
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if isMax {
			return 1 << 62
		}
		return -1 << 62
	}
	return f
}

func (m *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := parseScoreBound(min, false), parseScoreBound(max, true)
	for member, score := range m.zsets[key] {
		if score >= lo && score <= hi {
			delete(m.zsets[key], member)
		}
	}
	return nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) ZPopMin(ctx context.Context, key string) (string, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs := m.sortedMembers(key)
	if len(zs) == 0 {
		return "", 0, nil
	}
	delete(m.zsets[key], zs[0].Member)
	return zs[0].Member, zs[0].Score, nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	for _, mem := range members {
		m.sets[key][mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		delete(m.sets[key], mem)
	}
	return nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MemoryStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.strings {
		out = append(out, k)
	}
	for k := range m.hashes {
		out = append(out, k)
	}
	return out, nil
}

// memoryPipeline buffers operations and applies them in order; the
// in-memory store has no concept of isolation so "atomic" here just
// means "ordered and all-or-nothing with respect to goroutine scheduling".
type memoryPipeline struct {
	store *MemoryStore
	ops   []func()
}

func (p *memoryPipeline) HSet(key, field, value string) {
	p.ops = append(p.ops, func() { p.store.HSet(context.Background(), key, field, value) })
}
func (p *memoryPipeline) LPush(key string, values ...string) {
	p.ops = append(p.ops, func() { p.store.LPush(context.Background(), key, values...) })
}
func (p *memoryPipeline) RPush(key string, values ...string) {
	p.ops = append(p.ops, func() { p.store.RPush(context.Background(), key, values...) })
}
func (p *memoryPipeline) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func() { p.store.SAdd(context.Background(), key, members...) })
}
func (p *memoryPipeline) SRem(key string, members ...string) {
	p.ops = append(p.ops, func() { p.store.SRem(context.Background(), key, members...) })
}
func (p *memoryPipeline) ZAdd(key string, members ...Z) {
	p.ops = append(p.ops, func() { p.store.ZAdd(context.Background(), key, members...) })
}
func (p *memoryPipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func() { p.store.Expire(context.Background(), key, ttl) })
}
func (p *memoryPipeline) Del(keys ...string) {
	p.ops = append(p.ops, func() { p.store.Del(context.Background(), keys...) })
}

func (m *MemoryStore) Tx(ctx context.Context, fn func(p Pipeline) error) error {
	p := &memoryPipeline{store: m}
	if err := fn(p); err != nil {
		return err
	}
	for _, op := range p.ops {
		op()
	}
	return nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                          { return nil }
