package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/revoagent/fabric/kv"
	"github.com/revoagent/fabric/queue"
	"github.com/revoagent/fabric/registry"
)

// fakeQueue records every Send call instead of routing through a real
// broker, so tests can assert which agent a task was dispatched to.
type fakeQueue struct {
	sent []*queue.Message
}

func (f *fakeQueue) Send(ctx context.Context, msg *queue.Message) (bool, error) {
	f.sent = append(f.sent, msg)
	return true, nil
}
func (f *fakeQueue) SendBatch(ctx context.Context, msgs []*queue.Message) []queue.SendResult { return nil }
func (f *fakeQueue) Receive(ctx context.Context, agentID string, timeout time.Duration) (*queue.Message, error) {
	return nil, nil
}
func (f *fakeQueue) Acknowledge(ctx context.Context, msg *queue.Message, success bool) error { return nil }
func (f *fakeQueue) Subscribe(ctx context.Context, agentID, topic string) error              { return nil }
func (f *fakeQueue) Unsubscribe(ctx context.Context, agentID, topic string) error            { return nil }
func (f *fakeQueue) Stats() queue.Stats                                                      { return queue.Stats{} }

func newTestStore(t *testing.T) kv.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := kv.NewRedisStore(kv.RedisStoreOptions{RedisURL: "redis://" + mr.Addr(), Namespace: "wf-test"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestCoordinator(t *testing.T) (*RedisCoordinator, *fakeQueue, *registry.RedisRegistry) {
	t.Helper()
	store := newTestStore(t)
	reg := registry.NewRedisRegistry(store)
	q := &fakeQueue{}
	c := NewRedisCoordinator(store, q, reg, nil)
	return c, q, reg
}

func registerAgent(t *testing.T, reg *registry.RedisRegistry, id string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &registry.Record{
		ID: id, Type: "worker", Status: registry.StatusIdle,
		Capabilities: []registry.Capability{registry.CapTesting},
	}))
}

func TestCoordinator_SequentialWorkflowAssignsFirstTaskOnly(t *testing.T) {
	c, q, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")

	wf := &Workflow{
		Name:      "seq",
		Execution: ExecSequential,
		Tasks: []*Task{
			{ID: "t1", Type: "step", Priority: "NORMAL"},
			{ID: "t2", Type: "step", Priority: "NORMAL"},
		},
	}

	_, err := c.ExecuteWorkflow(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, q.sent, 1)
	require.Equal(t, "t1", wf.Tasks[0].ID)
	require.Equal(t, TaskAssigned, wf.Tasks[0].Status)
	require.Equal(t, TaskPending, wf.Tasks[1].Status)
}

func TestCoordinator_SequentialAdvancesOnCompletion(t *testing.T) {
	c, q, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")

	wf := &Workflow{
		Name:      "seq",
		Execution: ExecSequential,
		Tasks: []*Task{
			{ID: "t1", Type: "step", Priority: "NORMAL"},
			{ID: "t2", Type: "step", Priority: "NORMAL"},
		},
	}
	_, err := c.ExecuteWorkflow(context.Background(), wf)
	require.NoError(t, err)

	require.NoError(t, c.HandleTaskCompletion(context.Background(), "t1", map[string]interface{}{"ok": true}, true))

	require.Equal(t, TaskCompleted, wf.Tasks[0].Status)
	require.Equal(t, TaskAssigned, wf.Tasks[1].Status)
	require.Len(t, q.sent, 2)
}

func TestCoordinator_SequentialStopsOnFailure(t *testing.T) {
	c, _, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")

	wf := &Workflow{
		Name:      "seq",
		Execution: ExecSequential,
		Tasks: []*Task{
			{ID: "t1", Type: "step", Priority: "NORMAL", MaxRetries: 0},
			{ID: "t2", Type: "step", Priority: "NORMAL"},
		},
	}
	_, err := c.ExecuteWorkflow(context.Background(), wf)
	require.NoError(t, err)

	require.NoError(t, c.HandleTaskCompletion(context.Background(), "t1", map[string]interface{}{"error": "boom"}, false))

	require.Equal(t, TaskFailed, wf.Tasks[0].Status)
	require.Equal(t, TaskPending, wf.Tasks[1].Status)
	require.Equal(t, WorkflowFailed, wf.Status)
}

func TestCoordinator_ParallelAssignsAllTasks(t *testing.T) {
	c, q, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")
	registerAgent(t, reg, "A2")

	wf := &Workflow{
		Name:      "par",
		Execution: ExecParallel,
		Tasks: []*Task{
			{ID: "t1", Type: "step", Priority: "NORMAL"},
			{ID: "t2", Type: "step", Priority: "NORMAL"},
		},
	}
	_, err := c.ExecuteWorkflow(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, q.sent, 2)
}

func TestCoordinator_PipelineRespectsDependencies(t *testing.T) {
	c, q, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")

	wf := &Workflow{
		Name:      "pipe",
		Execution: ExecPipeline,
		Tasks: []*Task{
			{ID: "t1", Type: "step", Priority: "NORMAL"},
			{ID: "t2", Type: "step", Priority: "NORMAL", Dependencies: []string{"t1"}},
		},
	}
	_, err := c.ExecuteWorkflow(context.Background(), wf)
	require.NoError(t, err)
	require.Len(t, q.sent, 1)

	require.NoError(t, c.HandleTaskCompletion(context.Background(), "t1", nil, true))
	require.Len(t, q.sent, 2)
}

func TestCoordinator_ConditionalSkipsFalsePredicate(t *testing.T) {
	c, _, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")

	wf := &Workflow{
		Name:      "cond",
		Execution: ExecConditional,
		Tasks: []*Task{
			{ID: "t1", Type: "step", Priority: "NORMAL"},
			{ID: "t2", Type: "step", Priority: "NORMAL", Condition: func(prior map[string]interface{}) bool { return false }},
			{ID: "t3", Type: "step", Priority: "NORMAL"},
		},
	}
	_, err := c.ExecuteWorkflow(context.Background(), wf)
	require.NoError(t, err)
	require.NoError(t, c.HandleTaskCompletion(context.Background(), "t1", nil, true))

	require.Equal(t, TaskCompleted, wf.Tasks[1].Status)
	require.Equal(t, true, wf.Tasks[1].Result["skipped"])
	require.Equal(t, TaskAssigned, wf.Tasks[2].Status)
}

func TestCoordinator_MapReduceRunsReduceAfterMap(t *testing.T) {
	c, q, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")

	wf := &Workflow{
		Name:      "mr",
		Execution: ExecMapReduce,
		Tasks: []*Task{
			{ID: "m1", Type: "map_chunk", Priority: "NORMAL"},
			{ID: "r1", Type: "reduce_all", Priority: "NORMAL"},
		},
	}
	_, err := c.ExecuteWorkflow(context.Background(), wf)
	require.NoError(t, err)
	require.Len(t, q.sent, 1)
	require.Equal(t, TaskPending, wf.Tasks[1].Status)

	require.NoError(t, c.HandleTaskCompletion(context.Background(), "m1", nil, true))
	require.Equal(t, TaskAssigned, wf.Tasks[1].Status)
}

func TestCoordinator_AssignTaskNoEligibleAgent(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.AssignTask(context.Background(), &Task{ID: "t1", AgentType: "ghost"}, registry.StrategyRoundRobin)
	require.Error(t, err)
}

func TestCoordinator_CollaborationLifecycle(t *testing.T) {
	c, q, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")
	registerAgent(t, reg, "A2")

	events := c.Subscribe()
	require.NoError(t, c.StartCollaboration(context.Background(), "collab-1", []string{"A1", "A2"}, PatternPeerToPeer, nil))
	require.Len(t, q.sent, 2)

	require.NoError(t, c.EndCollaboration(context.Background(), "collab-1", map[string]interface{}{"done": true}))
	require.Len(t, q.sent, 4)

	var gotStarted, gotEnded bool
	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			if evt.Event == EventCollaborationStarted {
				gotStarted = true
			}
			if evt.Event == EventCollaborationCompleted {
				gotEnded = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected collaboration events")
		}
	}
	require.True(t, gotStarted)
	require.True(t, gotEnded)
}

func TestCoordinator_TimeoutMonitorMarksTaskTimeout(t *testing.T) {
	c, _, reg := newTestCoordinator(t)
	registerAgent(t, reg, "A1")

	wf := &Workflow{
		Name:      "to",
		Execution: ExecSequential,
		Tasks: []*Task{
			{ID: "t1", Type: "step", Priority: "NORMAL", TimeoutSeconds: 0},
		},
	}
	_, err := c.ExecuteWorkflow(context.Background(), wf)
	require.NoError(t, err)

	wf.Tasks[0].TimeoutSeconds = 1
	past := time.Now().Add(-2 * time.Second)
	wf.Tasks[0].StartedAt = &past

	c.sweepTimeouts(context.Background())

	require.Equal(t, TaskTimeout, wf.Tasks[0].Status)
	require.Equal(t, WorkflowFailed, wf.Status)
}
