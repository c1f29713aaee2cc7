package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/revoagent/fabric/core"
)

// RedisStore is the production Store backend, adapted from the teacher's
// RedisClient wrapper: DB isolation, key namespacing, and connection
// lifecycle management, now speaking the Store interface instead of a
// grab-bag of framework-specific helpers.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	RedisURL  string
	DB        int
	Namespace string
	Logger    core.Logger
}

// NewRedisStore dials Redis and verifies connectivity before returning.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	if opts.RedisURL == "" {
		return nil, core.NewFrameworkError("kv.NewRedisStore", "kv", fmt.Errorf("redis URL is required: %w", core.ErrInvalidConfiguration))
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, core.NewFrameworkError("kv.NewRedisStore", "kv", fmt.Errorf("invalid redis URL: %w", core.ErrInvalidConfiguration))
	}
	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", map[string]interface{}{"error": err.Error(), "db": opts.DB})
		return nil, core.NewFrameworkError("kv.NewRedisStore", "kv", fmt.Errorf("%w: %v", core.ErrKVUnavailable, err))
	}

	logger.Info("redis store connected", map[string]interface{}{"db": opts.DB, "namespace": opts.Namespace})

	return &RedisStore{client: client, namespace: opts.Namespace, logger: logger}, nil
}

func (r *RedisStore) formatKey(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

func wrapErr(op string, err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	return core.NewFrameworkError(op, "kv", fmt.Errorf("%w: %v", core.ErrKVUnavailable, err))
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, wrapErr("kv.Get", err)
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr("kv.Set", r.client.Set(ctx, r.formatKey(key), value, ttl).Err())
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.formatKey(k)
	}
	return wrapErr("kv.Del", r.client.Del(ctx, formatted...).Err())
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, wrapErr("kv.Exists", err)
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr("kv.Expire", r.client.Expire(ctx, r.formatKey(key), ttl).Err())
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, r.formatKey(key)).Result()
	return d, wrapErr("kv.TTL", err)
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, r.formatKey(key)).Result()
	return n, wrapErr("kv.Incr", err)
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, r.formatKey(key), field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, wrapErr("kv.HGet", err)
}

func (r *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return wrapErr("kv.HSet", r.client.HSet(ctx, r.formatKey(key), field, value).Err())
}

func (r *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return wrapErr("kv.HDel", r.client.HDel(ctx, r.formatKey(key), fields...).Err())
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, r.formatKey(key)).Result()
	return m, wrapErr("kv.HGetAll", err)
}

func (r *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.HLen(ctx, r.formatKey(key)).Result()
	return n, wrapErr("kv.HLen", err)
}

func (r *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	return wrapErr("kv.LPush", r.client.LPush(ctx, r.formatKey(key), toAny(values)...).Err())
}

func (r *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	return wrapErr("kv.RPush", r.client.RPush(ctx, r.formatKey(key), toAny(values)...).Err())
}

func (r *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	v, err := r.client.RPop(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, wrapErr("kv.RPop", err)
}

func (r *RedisStore) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.formatKey(k)
	}
	res, err := r.client.BRPop(ctx, timeout, formatted...).Result()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", wrapErr("kv.BRPop", err)
	}
	for i, f := range formatted {
		if f == res[0] {
			return keys[i], res[1], nil
		}
	}
	return res[0], res[1], nil
}

func (r *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, r.formatKey(key)).Result()
	return n, wrapErr("kv.LLen", err)
}

func (r *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.client.LRange(ctx, r.formatKey(key), start, stop).Result()
	return v, wrapErr("kv.LRange", err)
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, members ...Z) error {
	zs := make([]*redis.Z, len(members))
	for i, m := range members {
		zs[i] = &redis.Z{Score: m.Score, Member: m.Member}
	}
	return wrapErr("kv.ZAdd", r.client.ZAdd(ctx, r.formatKey(key), zs...).Err())
}

func (r *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	return wrapErr("kv.ZRem", r.client.ZRem(ctx, r.formatKey(key), toAny(members)...).Err())
}

func (r *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max string, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		opt.Count = limit
	}
	v, err := r.client.ZRangeByScore(ctx, r.formatKey(key), opt).Result()
	return v, wrapErr("kv.ZRangeByScore", err)
}

func (r *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return wrapErr("kv.ZRemRangeByScore", r.client.ZRemRangeByScore(ctx, r.formatKey(key), min, max).Err())
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, r.formatKey(key)).Result()
	return n, wrapErr("kv.ZCard", err)
}

func (r *RedisStore) ZPopMin(ctx context.Context, key string) (string, float64, error) {
	res, err := r.client.ZPopMin(ctx, r.formatKey(key), 1).Result()
	if err != nil {
		return "", 0, wrapErr("kv.ZPopMin", err)
	}
	if len(res) == 0 {
		return "", 0, nil
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, nil
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return wrapErr("kv.SAdd", r.client.SAdd(ctx, r.formatKey(key), toAny(members)...).Err())
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return wrapErr("kv.SRem", r.client.SRem(ctx, r.formatKey(key), toAny(members)...).Err())
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.client.SMembers(ctx, r.formatKey(key)).Result()
	return v, wrapErr("kv.SMembers", err)
}

func (r *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	v, err := r.client.SIsMember(ctx, r.formatKey(key), member).Result()
	return v, wrapErr("kv.SIsMember", err)
}

func (r *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, r.formatKey(key)).Result()
	return n, wrapErr("kv.SCard", err)
}

func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	v, err := r.client.Keys(ctx, r.formatKey(pattern)).Result()
	return v, wrapErr("kv.Keys", err)
}

func (r *RedisStore) Tx(ctx context.Context, fn func(p Pipeline) error) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		p := &redisPipeline{pipe: pipe, ns: r.namespace}
		return fn(p)
	})
	return wrapErr("kv.Tx", err)
}

func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return wrapErr("kv.HealthCheck", r.client.Ping(ctx).Err())
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// redisPipeline adapts redis.Pipeliner to the Pipeline interface, applying
// the same namespacing as RedisStore.
type redisPipeline struct {
	pipe redis.Pipeliner
	ns   string
}

func (p *redisPipeline) key(k string) string {
	if p.ns == "" {
		return k
	}
	return p.ns + ":" + k
}

func (p *redisPipeline) HSet(key, field, value string) {
	p.pipe.HSet(context.Background(), p.key(key), field, value)
}

func (p *redisPipeline) LPush(key string, values ...string) {
	p.pipe.LPush(context.Background(), p.key(key), toAny(values)...)
}

func (p *redisPipeline) RPush(key string, values ...string) {
	p.pipe.RPush(context.Background(), p.key(key), toAny(values)...)
}

func (p *redisPipeline) SAdd(key string, members ...string) {
	p.pipe.SAdd(context.Background(), p.key(key), toAny(members)...)
}

func (p *redisPipeline) SRem(key string, members ...string) {
	p.pipe.SRem(context.Background(), p.key(key), toAny(members)...)
}

func (p *redisPipeline) ZAdd(key string, members ...Z) {
	zs := make([]*redis.Z, len(members))
	for i, m := range members {
		zs[i] = &redis.Z{Score: m.Score, Member: m.Member}
	}
	p.pipe.ZAdd(context.Background(), p.key(key), zs...)
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), p.key(key), ttl)
}

func (p *redisPipeline) Del(keys ...string) {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = p.key(k)
	}
	p.pipe.Del(context.Background(), formatted...)
}
