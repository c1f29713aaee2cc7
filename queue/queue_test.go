package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/revoagent/fabric/kv"
)

type fakeResolver struct {
	byType map[string][]string
	loads  map[string]int
}

func (f *fakeResolver) LiveAgentsByType(agentType string) ([]string, error) {
	return f.byType[agentType], nil
}

func (f *fakeResolver) LeastBusyAgent(agentType string) (string, error) {
	var best string
	bestLoad := int(^uint(0) >> 1)
	for _, id := range f.byType[agentType] {
		if f.loads[id] < bestLoad {
			best, bestLoad = id, f.loads[id]
		}
	}
	return best, nil
}

func newTestQueue(t *testing.T, resolver AgentResolver) (*RedisQueue, kv.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := kv.NewRedisStore(kv.RedisStoreOptions{RedisURL: "redis://" + mr.Addr(), Namespace: "q-test"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewRedisQueue(store, resolver, WithDedupWindow(time.Minute)), store
}

func TestQueue_PriorityOvertaking(t *testing.T) {
	q, _ := newTestQueue(t, &fakeResolver{})
	ctx := context.Background()

	ok, err := q.Send(ctx, &Message{Recipient: "A1", Priority: PriorityNormal, Content: map[string]interface{}{"n": 1}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Send(ctx, &Message{Recipient: "A1", Priority: PriorityCritical, Content: map[string]interface{}{"n": 2}})
	require.NoError(t, err)
	require.True(t, ok)

	m1, err := q.Receive(ctx, "A1", 0)
	require.NoError(t, err)
	require.NotNil(t, m1)
	require.Equal(t, float64(2), m1.Content["n"])

	m2, err := q.Receive(ctx, "A1", 0)
	require.NoError(t, err)
	require.NotNil(t, m2)
	require.Equal(t, float64(1), m2.Content["n"])
}

func TestQueue_RoundRobinDistribution(t *testing.T) {
	resolver := &fakeResolver{byType: map[string][]string{"worker": {"A1", "A2", "A3"}}}
	q, _ := newTestQueue(t, resolver)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		ok, err := q.Send(ctx, &Message{Recipient: "worker", Routing: RoutingRoundRobin, Content: map[string]interface{}{"i": i}})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for _, agent := range []string{"A1", "A2", "A3"} {
		count := 0
		for {
			m, err := q.Receive(ctx, agent, 0)
			require.NoError(t, err)
			if m == nil {
				break
			}
			count++
		}
		require.Equal(t, 2, count, "agent %s", agent)
	}
}

func TestQueue_ReceiveWithZeroTimeoutOnEmptyInboxReturnsNone(t *testing.T) {
	q, _ := newTestQueue(t, &fakeResolver{})
	m, err := q.Receive(context.Background(), "nobody", 0)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestQueue_ExpiredMessageIsDeadLettered(t *testing.T) {
	q, store := newTestQueue(t, &fakeResolver{})
	ctx := context.Background()

	msg := &Message{Recipient: "A1", Priority: PriorityNormal, TTLSeconds: 1, CreatedAt: time.Now().Add(-2 * time.Second)}
	ok, err := q.Send(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	m, err := q.Receive(ctx, "A1", 0)
	require.NoError(t, err)
	require.Nil(t, m)

	n, err := store.LLen(ctx, keys.QueueDeadLetter())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestQueue_DedupSuppressesRepeatedSend(t *testing.T) {
	q, _ := newTestQueue(t, &fakeResolver{})
	ctx := context.Background()

	msg1 := &Message{Recipient: "A1", Sender: "S1", Type: "ping", Content: map[string]interface{}{"x": 1}}
	ok, err := q.Send(ctx, msg1)
	require.NoError(t, err)
	require.True(t, ok)

	msg2 := &Message{Recipient: "A1", Sender: "S1", Type: "ping", Content: map[string]interface{}{"x": 1}}
	ok, err = q.Send(ctx, msg2)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, int64(1), q.Stats().TotalDeduped)
}

func TestQueue_UnknownRecipientReturnsError(t *testing.T) {
	q, _ := newTestQueue(t, &fakeResolver{})
	ok, err := q.Send(context.Background(), &Message{Routing: RoutingDirect})
	require.Error(t, err)
	require.False(t, ok)
}

func TestQueue_BatchSendPartialFailure(t *testing.T) {
	q, _ := newTestQueue(t, &fakeResolver{})
	msgs := []*Message{
		{Recipient: "A1"},
		{Routing: RoutingDirect}, // malformed: no recipient
		{Recipient: "A2"},
	}
	results := q.SendBatch(context.Background(), msgs)
	require.Len(t, results, 3)
	require.True(t, results[0].Sent)
	require.False(t, results[1].Sent)
	require.True(t, results[2].Sent)
}

func TestQueue_AcknowledgeSuccessCompletesMessage(t *testing.T) {
	q, _ := newTestQueue(t, &fakeResolver{})
	ctx := context.Background()

	_, err := q.Send(ctx, &Message{Recipient: "A1"})
	require.NoError(t, err)
	m, err := q.Receive(ctx, "A1", 0)
	require.NoError(t, err)
	require.NotNil(t, m)

	require.NoError(t, q.Acknowledge(ctx, m, true))
	require.Equal(t, int64(1), q.Stats().TotalAcked)
}

func TestQueue_AcknowledgeFailureRetriesThenDeadLetters(t *testing.T) {
	q, store := newTestQueue(t, &fakeResolver{})
	q.backoff = func(int) time.Duration { return time.Millisecond }
	ctx := context.Background()

	msg := &Message{Recipient: "A1", MaxRetries: 1}
	_, err := q.Send(ctx, msg)
	require.NoError(t, err)

	m, err := q.Receive(ctx, "A1", 0)
	require.NoError(t, err)
	require.NotNil(t, m)

	require.NoError(t, q.Acknowledge(ctx, m, false))
	require.Equal(t, int64(1), q.Stats().TotalRetried)

	time.Sleep(50 * time.Millisecond)
	m2, err := q.Receive(ctx, "A1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m2)

	require.NoError(t, q.Acknowledge(ctx, m2, false))
	require.Equal(t, int64(1), q.Stats().TotalDeadLettered)

	n, err := store.LLen(ctx, keys.QueueDeadLetter())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
