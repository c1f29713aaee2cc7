package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/kv"
	"github.com/revoagent/fabric/queue"
	"github.com/revoagent/fabric/registry"
)

var keys = kv.Keys{}

// EventMsg is delivered to subscribers on any workflow/task/collaboration
// transition.
type EventMsg struct {
	Event      Event
	WorkflowID string
	TaskID     string
	Data       map[string]interface{}
}

// Coordinator is the public contract for C5, matching spec §4.4.
type Coordinator interface {
	ExecuteWorkflow(ctx context.Context, wf *Workflow) (string, error)
	AssignTask(ctx context.Context, task *Task, strategy registry.Strategy) (string, error)
	HandleTaskCompletion(ctx context.Context, taskID string, result map[string]interface{}, success bool) error
	StartCollaboration(ctx context.Context, id string, agents []string, pattern CollaborationPattern, collabCtx map[string]interface{}) error
	EndCollaboration(ctx context.Context, id string, result map[string]interface{}) error
	Stats() Stats
	Subscribe() <-chan EventMsg
	StartTimeoutMonitor(ctx context.Context, interval time.Duration)
	StopTimeoutMonitor()
}

// RedisCoordinator orchestrates tasks over agents resolved through a
// registry.Registry and dispatched through a queue.Queue, grounded on
// the teacher's async_task worker/dispatch loop adapted to a
// dependency-aware, multi-strategy workflow engine.
type RedisCoordinator struct {
	store     kv.Store
	queue     queue.Queue
	registry  registry.Registry
	logger    core.Logger
	telemetry core.Telemetry

	mu           sync.RWMutex
	workflows    map[string]*Workflow
	tasks        map[string]*Task
	taskWorkflow map[string]string
	taskAgent    map[string]string

	collabMu       sync.Mutex
	collaborations map[string]*Collaboration

	subMu       sync.Mutex
	subscribers []chan EventMsg

	stopTimeout chan struct{}
	timeoutOnce sync.Once

	stats Stats
}

func NewRedisCoordinator(store kv.Store, q queue.Queue, reg registry.Registry, logger core.Logger) *RedisCoordinator {
	if logger == nil {
		logger = core.NewProductionLogger(core.DefaultLoggingConfig(), "workflow")
	}
	return &RedisCoordinator{
		store:          store,
		queue:          q,
		registry:       reg,
		logger:         logger,
		telemetry:      &core.NoOpTelemetry{},
		workflows:      make(map[string]*Workflow),
		tasks:          make(map[string]*Task),
		taskWorkflow:   make(map[string]string),
		taskAgent:      make(map[string]string),
		collaborations: make(map[string]*Collaboration),
	}
}

// SetTelemetry installs a real Telemetry implementation (e.g. one built
// by core.NewOtelProvider), used to trace task assignment and
// completion. Safe to call at any point in the coordinator's lifetime.
func (c *RedisCoordinator) SetTelemetry(t core.Telemetry) {
	if t == nil {
		t = &core.NoOpTelemetry{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.telemetry = t
}

func (c *RedisCoordinator) emit(evt Event, workflowID, taskID string, data map[string]interface{}) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	msg := EventMsg{Event: evt, WorkflowID: workflowID, TaskID: taskID, Data: data}
	for _, ch := range c.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (c *RedisCoordinator) Subscribe() <-chan EventMsg {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch := make(chan EventMsg, 32)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

func (c *RedisCoordinator) persistTask(ctx context.Context, t *Task) {
	b, _ := json.Marshal(t)
	c.store.HSet(ctx, keys.Tasks(), t.ID, string(b))
}

func (c *RedisCoordinator) persistWorkflow(ctx context.Context, w *Workflow) {
	b, _ := json.Marshal(w)
	c.store.HSet(ctx, keys.Workflows(), w.ID, string(b))
}

// ExecuteWorkflow registers wf, transitions it to RUNNING, and assigns
// its first eligible batch of tasks per its ExecutionType.
func (c *RedisCoordinator) ExecuteWorkflow(ctx context.Context, wf *Workflow) (string, error) {
	if wf.ID == "" {
		wf.ID = core.NewID()
	}
	now := time.Now()
	wf.Status = WorkflowRunning
	wf.CreatedAt = now
	wf.StartedAt = &now

	c.mu.Lock()
	c.workflows[wf.ID] = wf
	for _, t := range wf.Tasks {
		if t.ID == "" {
			t.ID = core.NewID()
		}
		t.Status = TaskPending
		t.CreatedAt = now
		c.tasks[t.ID] = t
		c.taskWorkflow[t.ID] = wf.ID
	}
	c.mu.Unlock()

	c.persistWorkflow(ctx, wf)
	c.stats.WorkflowsStarted++
	c.emit(EventWorkflowStarted, wf.ID, "", nil)

	c.advance(ctx, wf, registry.StrategyLeastConnections)
	return wf.ID, nil
}

// AssignTask selects an eligible agent via the registry, marks task
// ASSIGNED, increments the agent's load, and dispatches a DIRECT
// task_assignment message (spec §4.4).
func (c *RedisCoordinator) AssignTask(ctx context.Context, task *Task, strategy registry.Strategy) (string, error) {
	c.mu.RLock()
	telemetry := c.telemetry
	c.mu.RUnlock()
	ctx, span := telemetry.StartSpan(ctx, "workflow.AssignTask")
	span.SetAttribute("task.id", task.ID)
	span.SetAttribute("task.type", task.Type)
	span.SetAttribute("task.capability", task.Capability)
	defer span.End()

	rec, err := c.registry.Select(ctx, registry.Capability(task.Capability), task.AgentType, strategy)
	if err != nil || rec == nil {
		c.stats.NoEligibleAgent++
		err := core.NewFrameworkError("workflow.AssignTask", "workflow", core.ErrNoEligibleAgent)
		span.RecordError(err)
		return "", err
	}
	span.SetAttribute("agent.id", rec.ID)

	now := time.Now()
	task.Status = TaskAssigned
	task.AssignedAgent = rec.ID
	task.StartedAt = &now

	c.mu.Lock()
	c.tasks[task.ID] = task
	c.taskAgent[task.ID] = rec.ID
	c.mu.Unlock()
	c.persistTask(ctx, task)

	metrics := rec.Metrics
	metrics.CurrentLoad++
	if err := c.registry.UpdateStatus(ctx, rec.ID, registry.StatusBusy, &metrics); err != nil {
		c.logger.Warn("failed to record agent load increment", map[string]interface{}{"agent": rec.ID, "error": err.Error()})
	}

	msg := &queue.Message{
		ID:          core.NewID(),
		Type:        "task_assignment",
		Sender:      "coordinator",
		Recipient:   rec.ID,
		Content:     map[string]interface{}{"task_id": task.ID, "type": task.Type, "parameters": task.Parameters},
		Priority:    mapPriority(task.Priority),
		Routing:     queue.RoutingDirect,
		Correlation: task.ID,
		ReplyTo:     "coordinator",
		CreatedAt:   now,
		MaxRetries:  3,
	}
	if _, err := c.queue.Send(ctx, msg); err != nil {
		c.logger.Error("task_assignment send failed", map[string]interface{}{"task": task.ID, "error": err.Error()})
	}

	c.stats.TasksAssigned++
	c.emit(EventTaskAssigned, c.taskWorkflow[task.ID], task.ID, map[string]interface{}{"agent_id": rec.ID})
	return rec.ID, nil
}

func mapPriority(p string) queue.Priority {
	switch queue.Priority(p) {
	case queue.PriorityLow, queue.PriorityNormal, queue.PriorityHigh, queue.PriorityUrgent, queue.PriorityCritical:
		return queue.Priority(p)
	default:
		return queue.PriorityNormal
	}
}

// HandleTaskCompletion marks a task terminal, updates agent load and
// incremental average response time, retries on failure within budget,
// and re-evaluates the owning workflow (spec §4.4).
func (c *RedisCoordinator) HandleTaskCompletion(ctx context.Context, taskID string, result map[string]interface{}, success bool) error {
	c.mu.RLock()
	telemetry := c.telemetry
	c.mu.RUnlock()
	ctx, span := telemetry.StartSpan(ctx, "workflow.HandleTaskCompletion")
	span.SetAttribute("task.id", taskID)
	span.SetAttribute("success", success)
	defer span.End()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	agentID := c.taskAgent[taskID]
	wfID := c.taskWorkflow[taskID]
	c.mu.Unlock()
	if !ok {
		err := core.NewFrameworkError("workflow.HandleTaskCompletion", "workflow", core.ErrNotFound)
		span.RecordError(err)
		return err
	}

	now := time.Now()
	var duration float64
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt).Seconds()
	}

	if agentID != "" {
		c.updateAgentAfterCompletion(ctx, agentID, duration, success)
	}

	if success {
		task.Status = TaskCompleted
		task.Result = result
		task.CompletedAt = &now
		c.persistTask(ctx, task)
		c.stats.TasksCompleted++
		c.emit(EventTaskCompleted, wfID, taskID, result)
	} else {
		errMsg := ""
		if result != nil {
			if v, ok := result["error"]; ok {
				errMsg = fmt.Sprintf("%v", v)
			}
		}
		if task.RetryCount < task.MaxRetries {
			task.RetryCount++
			task.Status = TaskPending
			task.AssignedAgent = ""
			task.Error = errMsg
			c.persistTask(ctx, task)
			c.stats.TasksFailed++
			c.emit(EventTaskFailed, wfID, taskID, map[string]interface{}{"error": errMsg, "retrying": true})
		} else {
			task.Status = TaskFailed
			task.Error = errMsg
			task.CompletedAt = &now
			c.persistTask(ctx, task)
			c.stats.TasksFailed++
			c.emit(EventTaskFailed, wfID, taskID, map[string]interface{}{"error": errMsg, "retrying": false})
		}
	}

	c.mu.RLock()
	wf := c.workflows[wfID]
	c.mu.RUnlock()
	if wf != nil {
		c.evaluateWorkflow(ctx, wf)
	}
	return nil
}

func (c *RedisCoordinator) updateAgentAfterCompletion(ctx context.Context, agentID string, duration float64, success bool) {
	rec, err := c.registry.Get(ctx, agentID)
	if err != nil {
		return
	}
	m := rec.Metrics
	if m.CurrentLoad > 0 {
		m.CurrentLoad--
	}
	total := m.CompletedTasks + m.FailedTasks
	if total == 0 {
		m.AverageResponseTime = duration
	} else {
		m.AverageResponseTime = m.AverageResponseTime + (duration-m.AverageResponseTime)/float64(total+1)
	}
	if success {
		m.CompletedTasks++
	} else {
		m.FailedTasks++
	}
	status := registry.StatusIdle
	if m.CurrentLoad > 0 {
		status = registry.StatusBusy
	}
	if err := c.registry.UpdateStatus(ctx, agentID, status, &m); err != nil {
		c.logger.Warn("failed to update agent metrics after completion", map[string]interface{}{"agent": agentID, "error": err.Error()})
	}
}

// evaluateWorkflow transitions wf to COMPLETED/FAILED when terminal, or
// advances it to its next eligible batch otherwise.
func (c *RedisCoordinator) evaluateWorkflow(ctx context.Context, wf *Workflow) {
	c.mu.RLock()
	allTerminal, anyFailed, allDone := true, false, true
	for _, t := range wf.Tasks {
		if !t.Status.Terminal() {
			allTerminal = false
		}
		if t.Status != TaskCompleted {
			allDone = false
		}
		if t.Status == TaskFailed || t.Status == TaskTimeout {
			anyFailed = true
		}
	}
	c.mu.RUnlock()

	now := time.Now()
	switch {
	case allDone:
		wf.Status = WorkflowCompleted
		wf.CompletedAt = &now
		c.persistWorkflow(ctx, wf)
		c.stats.WorkflowsCompleted++
		c.emit(EventWorkflowCompleted, wf.ID, "", nil)
	case allTerminal && anyFailed:
		wf.Status = WorkflowFailed
		wf.CompletedAt = &now
		c.persistWorkflow(ctx, wf)
		c.stats.WorkflowsFailed++
		c.emit(EventWorkflowFailed, wf.ID, "", nil)
	case anyFailed && wf.Execution == ExecSequential:
		wf.Status = WorkflowFailed
		wf.CompletedAt = &now
		c.persistWorkflow(ctx, wf)
		c.stats.WorkflowsFailed++
		c.emit(EventWorkflowFailed, wf.ID, "", nil)
	default:
		c.advance(ctx, wf, registry.StrategyLeastConnections)
	}
}

// advance assigns the next eligible batch of tasks per wf.Execution.
func (c *RedisCoordinator) advance(ctx context.Context, wf *Workflow, strategy registry.Strategy) {
	switch wf.Execution {
	case ExecSequential, ExecConditional:
		c.advanceSequential(ctx, wf, strategy)
	case ExecParallel:
		for _, t := range wf.Tasks {
			if t.Status == TaskPending {
				c.AssignTask(ctx, t, strategy)
			}
		}
	case ExecPipeline:
		c.advancePipeline(ctx, wf, strategy)
	case ExecMapReduce:
		c.advanceMapReduce(ctx, wf, strategy)
	default:
		c.advanceSequential(ctx, wf, strategy)
	}
}

func (c *RedisCoordinator) advanceSequential(ctx context.Context, wf *Workflow, strategy registry.Strategy) {
	prior := map[string]interface{}{}
	for _, t := range wf.Tasks {
		if t.Status == TaskCompleted {
			prior[t.ID] = t.Result
			continue
		}
		if t.Status == TaskFailed || t.Status == TaskCancelled || t.Status == TaskTimeout {
			return
		}
		if t.Status != TaskPending {
			return // an earlier task is still in flight
		}
		if wf.Execution == ExecConditional && t.Condition != nil && !t.Condition(prior) {
			now := time.Now()
			t.Status = TaskCompleted
			t.Result = map[string]interface{}{"skipped": true}
			t.CompletedAt = &now
			c.persistTask(ctx, t)
			prior[t.ID] = t.Result
			continue
		}
		c.AssignTask(ctx, t, strategy)
		return
	}
}

func (c *RedisCoordinator) advancePipeline(ctx context.Context, wf *Workflow, strategy registry.Strategy) {
	statuses := map[string]TaskStatus{}
	for _, t := range wf.Tasks {
		statuses[t.ID] = t.Status
	}
	for _, t := range wf.Tasks {
		if t.Status == TaskPending && t.Ready(statuses) {
			c.AssignTask(ctx, t, strategy)
		}
	}
}

func (c *RedisCoordinator) advanceMapReduce(ctx context.Context, wf *Workflow, strategy registry.Strategy) {
	mapDone := true
	anyMapPending := false
	for _, t := range wf.Tasks {
		if len(t.Type) >= 4 && t.Type[:4] == "map_" {
			if !t.Status.Terminal() {
				mapDone = false
			}
			if t.Status == TaskPending {
				anyMapPending = true
			}
		}
	}
	if anyMapPending {
		for _, t := range wf.Tasks {
			if len(t.Type) >= 4 && t.Type[:4] == "map_" && t.Status == TaskPending {
				c.AssignTask(ctx, t, strategy)
			}
		}
		return
	}
	if !mapDone {
		return
	}
	for _, t := range wf.Tasks {
		if len(t.Type) >= 7 && t.Type[:7] == "reduce_" && t.Status == TaskPending {
			c.AssignTask(ctx, t, strategy)
		}
	}
}

// StartCollaboration broadcasts a high-priority collaboration_invite to
// each listed agent and records the session.
func (c *RedisCoordinator) StartCollaboration(ctx context.Context, id string, agents []string, pattern CollaborationPattern, collabCtx map[string]interface{}) error {
	if id == "" {
		id = core.NewID()
	}
	collab := &Collaboration{ID: id, Agents: agents, Pattern: pattern, Context: collabCtx, StartedAt: time.Now()}
	c.collabMu.Lock()
	c.collaborations[id] = collab
	c.collabMu.Unlock()

	for _, agentID := range agents {
		msg := &queue.Message{
			ID:        core.NewID(),
			Type:      "collaboration_invite",
			Sender:    "coordinator",
			Recipient: agentID,
			Content:   map[string]interface{}{"collaboration_id": id, "pattern": string(pattern), "context": collabCtx},
			Priority:  queue.PriorityUrgent,
			Routing:   queue.RoutingDirect,
			CreatedAt: time.Now(),
		}
		if _, err := c.queue.Send(ctx, msg); err != nil {
			c.logger.Error("collaboration_invite send failed", map[string]interface{}{"agent": agentID, "error": err.Error()})
		}
	}

	c.emit(EventCollaborationStarted, "", "", map[string]interface{}{"collaboration_id": id})
	return nil
}

// EndCollaboration broadcasts collaboration_end to every participant and
// emits the completion event.
func (c *RedisCoordinator) EndCollaboration(ctx context.Context, id string, result map[string]interface{}) error {
	c.collabMu.Lock()
	collab, ok := c.collaborations[id]
	c.collabMu.Unlock()
	if !ok {
		return core.NewFrameworkError("workflow.EndCollaboration", "workflow", core.ErrNotFound)
	}

	now := time.Now()
	collab.EndedAt = &now
	collab.Result = result

	for _, agentID := range collab.Agents {
		msg := &queue.Message{
			ID:        core.NewID(),
			Type:      "collaboration_end",
			Sender:    "coordinator",
			Recipient: agentID,
			Content:   map[string]interface{}{"collaboration_id": id, "result": result},
			Priority:  queue.PriorityHigh,
			Routing:   queue.RoutingDirect,
			CreatedAt: now,
		}
		c.queue.Send(ctx, msg)
	}

	c.emit(EventCollaborationCompleted, "", "", map[string]interface{}{"collaboration_id": id})
	return nil
}

func (c *RedisCoordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// StartTimeoutMonitor sweeps in-flight tasks and running workflows for
// deadline expiry, synthesizing failed completions / workflow timeouts
// (spec §4.4 and §5).
func (c *RedisCoordinator) StartTimeoutMonitor(ctx context.Context, interval time.Duration) {
	c.stopTimeout = make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopTimeout:
				return
			case <-t.C:
				c.sweepTimeouts(ctx)
			}
		}
	}()
}

func (c *RedisCoordinator) StopTimeoutMonitor() {
	c.timeoutOnce.Do(func() {
		if c.stopTimeout != nil {
			close(c.stopTimeout)
		}
	})
}

func (c *RedisCoordinator) sweepTimeouts(ctx context.Context) {
	now := time.Now()

	c.mu.RLock()
	var timedOutTasks []*Task
	for _, t := range c.tasks {
		if (t.Status == TaskAssigned || t.Status == TaskInProgress) && t.StartedAt != nil && t.TimeoutSeconds > 0 {
			if now.Sub(*t.StartedAt) > time.Duration(t.TimeoutSeconds)*time.Second {
				timedOutTasks = append(timedOutTasks, t)
			}
		}
	}
	var timedOutWorkflows []*Workflow
	for _, w := range c.workflows {
		if w.Status == WorkflowRunning && w.StartedAt != nil && w.TimeoutSeconds > 0 {
			if now.Sub(*w.StartedAt) > time.Duration(w.TimeoutSeconds)*time.Second {
				timedOutWorkflows = append(timedOutWorkflows, w)
			}
		}
	}
	c.mu.RUnlock()

	for _, t := range timedOutTasks {
		c.mu.Lock()
		t.Status = TaskTimeout
		t.Error = "task timeout"
		wfID := c.taskWorkflow[t.ID]
		agentID := c.taskAgent[t.ID]
		c.mu.Unlock()
		if agentID != "" {
			c.updateAgentAfterCompletion(ctx, agentID, now.Sub(*t.StartedAt).Seconds(), false)
		}
		c.persistTask(ctx, t)
		c.stats.TasksTimedOut++
		c.emit(EventTaskFailed, wfID, t.ID, map[string]interface{}{"error": "task timeout"})

		c.mu.RLock()
		wf := c.workflows[wfID]
		c.mu.RUnlock()
		if wf != nil {
			c.evaluateWorkflow(ctx, wf)
		}
	}

	for _, w := range timedOutWorkflows {
		w.Status = WorkflowTimeout
		completedAt := now
		w.CompletedAt = &completedAt
		c.persistWorkflow(ctx, w)
		c.stats.WorkflowsTimedOut++
		c.emit(EventWorkflowFailed, w.ID, "", map[string]interface{}{"reason": "workflow timeout"})
	}
}
