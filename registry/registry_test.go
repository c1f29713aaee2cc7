package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/revoagent/fabric/kv"
)

func newTestRegistry(t *testing.T) *RedisRegistry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := kv.NewRedisStore(kv.RedisStoreOptions{RedisURL: "redis://" + mr.Addr(), Namespace: "reg-test"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewRedisRegistry(store)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent := &Record{ID: "A1", Type: "worker", Capabilities: []Capability{CapTesting}, Status: StatusIdle}
	require.NoError(t, r.Register(ctx, agent))

	got, err := r.Get(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, "worker", got.Type)
}

func TestRegistry_DuplicateRegisterPreservesMetrics(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first := &Record{ID: "A1", Type: "worker", Status: StatusIdle}
	first.Metrics.CompletedTasks = 5
	require.NoError(t, r.Register(ctx, first))

	second := &Record{ID: "A1", Type: "worker", Status: StatusIdle}
	require.NoError(t, r.Register(ctx, second))

	got, err := r.Get(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Metrics.CompletedTasks)
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &Record{ID: "A1", Type: "worker"}))
	require.NoError(t, r.Unregister(ctx, "A1"))
	require.NoError(t, r.Unregister(ctx, "A1"))

	_, err := r.Get(ctx, "A1")
	require.Error(t, err)
}

func TestRegistry_ByCapabilityAndType(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &Record{ID: "A1", Type: "worker", Capabilities: []Capability{CapTesting}}))
	require.NoError(t, r.Register(ctx, &Record{ID: "A2", Type: "reviewer", Capabilities: []Capability{CapCodeAnalysis}}))

	byCap, err := r.ByCapability(ctx, CapTesting)
	require.NoError(t, err)
	require.Len(t, byCap, 1)
	require.Equal(t, "A1", byCap[0].ID)

	byType, err := r.ByType(ctx, "reviewer")
	require.NoError(t, err)
	require.Len(t, byType, 1)
}

func TestRegistry_SelectLeastConnections(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a1 := &Record{ID: "A1", Type: "worker", Status: StatusIdle}
	a1.Metrics.CurrentLoad = 5
	a2 := &Record{ID: "A2", Type: "worker", Status: StatusIdle}
	a2.Metrics.CurrentLoad = 1
	require.NoError(t, r.Register(ctx, a1))
	require.NoError(t, r.Register(ctx, a2))

	chosen, err := r.Select(ctx, "", "worker", StrategyLeastConnections)
	require.NoError(t, err)
	require.Equal(t, "A2", chosen.ID)
}

func TestRegistry_SelectRoundRobinRotates(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &Record{ID: "A1", Type: "worker", Status: StatusIdle}))
	require.NoError(t, r.Register(ctx, &Record{ID: "A2", Type: "worker", Status: StatusIdle}))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		chosen, err := r.Select(ctx, "", "worker", StrategyRoundRobin)
		require.NoError(t, err)
		seen[chosen.ID]++
	}
	require.Equal(t, 2, seen["A1"])
	require.Equal(t, 2, seen["A2"])
}

func TestRegistry_SelectReturnsNoEligibleAgent(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Select(context.Background(), "", "ghost", StrategyRoundRobin)
	require.Error(t, err)
}

func TestRegistry_HealthSweepMarksOffline(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent := &Record{ID: "A1", Type: "worker", Status: StatusIdle, HeartbeatInterval: 10 * time.Millisecond}
	require.NoError(t, r.Register(ctx, agent))
	r.records["A1"].LastHeartbeat = time.Now().Add(-time.Second)

	events := r.Subscribe()
	r.sweepOnce()

	got, err := r.Get(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, StatusOffline, got.Status)

	select {
	case evt := <-events:
		require.Equal(t, EventFailed, evt.Event)
	case <-time.After(time.Second):
		t.Fatal("expected failed event")
	}
}

func TestRegistry_HeartbeatRecoversOfflineAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent := &Record{ID: "A1", Type: "worker", Status: StatusOffline, HeartbeatInterval: time.Second}
	require.NoError(t, r.Register(ctx, agent))

	events := r.Subscribe()
	require.NoError(t, r.Heartbeat(ctx, "A1", nil))

	got, err := r.Get(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, StatusIdle, got.Status)

	select {
	case evt := <-events:
		require.Equal(t, EventRecovered, evt.Event)
	case <-time.After(time.Second):
		t.Fatal("expected recovered event")
	}
}
