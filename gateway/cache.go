package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/revoagent/fabric/kv"
)

// responseCache stores successful responses keyed by integration +
// request shape, backed by kv.Store so it survives process restarts
// like every other piece of durable state in this fabric (spec §3's
// "KV store owns durable state" ownership rule).
type responseCache struct {
	store kv.Store
}

func newResponseCache(store kv.Store) *responseCache {
	return &responseCache{store: store}
}

// cacheKey derives a stable key from (integration, method, path, query,
// body) unless the request supplies an explicit override, per spec §4.5.
func cacheKey(integration string, req *Request) string {
	if req.CacheKey != "" {
		return fmt.Sprintf("gw:cache:%s:%s", integration, req.CacheKey)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", integration, req.Method, req.Path)
	keys := make([]string, 0, len(req.Query))
	for k := range req.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, req.Query[k])
	}
	h.Write(req.Body)
	return fmt.Sprintf("gw:cache:%s:%s", integration, hex.EncodeToString(h.Sum(nil)))
}

func (c *responseCache) get(ctx context.Context, key string) (*Response, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil || raw == "" {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, false
	}
	resp.Cached = true
	return &resp, true
}

func (c *responseCache) put(ctx context.Context, key string, resp *Response, ttl time.Duration) {
	cp := *resp
	cp.Cached = false
	b, err := json.Marshal(cp)
	if err != nil {
		return
	}
	c.store.Set(ctx, key, string(b), ttl)
}
