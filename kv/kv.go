// Package kv abstracts the key-value/bus operations every other fabric
// component builds on: atomic string ops, hash fields, lists with
// blocking pop, sorted sets, sets, TTL, and pipelined batches.
package kv

import (
	"context"
	"time"
)

// Z is a sorted-set member with its score, mirroring redis.Z without
// forcing every caller to import go-redis directly.
type Z struct {
	Score  float64
	Member string
}

// Store is the contract every higher component depends on. Implementations
// target either a real backend (RedisStore) or an in-memory fake
// (MemoryStore) for tests.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)

	// Hashes
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, error)
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, err error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, members ...Z) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, min, max string, limit int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max string) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZPopMin pops and returns the lowest-scoring member (callers store
	// negated scores when they want "highest priority first").
	ZPopMin(ctx context.Context, key string) (member string, score float64, err error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Key enumeration
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Tx runs fn against a pipelined batch; operations inside fn queue on
	// the supplied Pipeline and are executed atomically on return.
	Tx(ctx context.Context, fn func(p Pipeline) error) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// Pipeline is the restricted set of operations valid inside a Tx batch.
type Pipeline interface {
	HSet(key, field, value string)
	LPush(key string, values ...string)
	RPush(key string, values ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, members ...Z)
	Expire(key string, ttl time.Duration)
	Del(keys ...string)
}
