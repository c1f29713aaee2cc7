package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(RedisStoreOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        0,
		Namespace: "fabric-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore_StringRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Del(ctx, "k"))
	v, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "", v)
}

func TestRedisStore_TTL(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 50*time.Millisecond))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestRedisStore_Hash(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, store.HSet(ctx, "h", "f2", "v2"))

	all, err := store.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, store.HDel(ctx, "h", "f1"))
	v, err := store.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.Equal(t, "", v)
}

func TestRedisStore_ListPushPop(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.RPush(ctx, "list", "a", "b", "c"))
	n, err := store.LLen(ctx, "list")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	v, err := store.RPop(ctx, "list")
	require.NoError(t, err)
	require.Equal(t, "c", v)
}

func TestRedisStore_BRPopBlocksThenReturns(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		key, v, err := store.BRPop(ctx, 2*time.Second, "blocking")
		require.NoError(t, err)
		require.Equal(t, "blocking", key)
		require.Equal(t, "hello", v)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, store.LPush(ctx, "blocking", "hello"))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("BRPop did not unblock")
	}
}

func TestRedisStore_SortedSetPriorityOrdering(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "zs", Z{Score: 5000, Member: "normal"}))
	require.NoError(t, store.ZAdd(ctx, "zs", Z{Score: 9000, Member: "critical"}))

	members, err := store.ZRangeByScore(ctx, "zs", "-inf", "+inf", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"normal", "critical"}, members)

	member, score, err := store.ZPopMin(ctx, "zs")
	require.NoError(t, err)
	require.Equal(t, "normal", member)
	require.Equal(t, float64(5000), score)
}

func TestRedisStore_Sets(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "s", "a", "b"))
	ok, err := store.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	require.True(t, ok)

	card, err := store.SCard(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, int64(2), card)

	require.NoError(t, store.SRem(ctx, "s", "a"))
	ok, err = store.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStore_TxPipelineIsAtomic(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	err := store.Tx(ctx, func(p Pipeline) error {
		p.HSet("h", "f1", "v1")
		p.SAdd("s", "m1")
		p.RPush("list", "x")
		return nil
	})
	require.NoError(t, err)

	v, err := store.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	ok, err := store.SIsMember(ctx, "s", "m1")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := store.LLen(ctx, "list")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestRedisStore_HealthCheck(t *testing.T) {
	store := newTestRedisStore(t)
	require.NoError(t, store.HealthCheck(context.Background()))
}
