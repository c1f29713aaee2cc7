// Package workflow orchestrates tasks over agents, enforcing
// dependencies, timeouts, retries, and multi-agent collaboration
// patterns (spec component C5).
package workflow

import "time"

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskAssigned   TaskStatus = "ASSIGNED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
	TaskTimeout    TaskStatus = "TIMEOUT"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	default:
		return false
	}
}

// ExecutionType selects how a workflow's tasks are scheduled.
type ExecutionType string

const (
	ExecSequential ExecutionType = "SEQUENTIAL"
	ExecParallel   ExecutionType = "PARALLEL"
	ExecConditional ExecutionType = "CONDITIONAL"
	ExecPipeline   ExecutionType = "PIPELINE"
	ExecMapReduce  ExecutionType = "MAP_REDUCE"
)

// CollaborationPattern names how start_collaboration coordinates a set
// of agents.
type CollaborationPattern string

const (
	PatternMasterWorker CollaborationPattern = "MASTER_WORKER"
	PatternPeerToPeer   CollaborationPattern = "PEER_TO_PEER"
	PatternHierarchical CollaborationPattern = "HIERARCHICAL"
	PatternPipeline     CollaborationPattern = "PIPELINE"
	PatternConsensus    CollaborationPattern = "CONSENSUS"
)

// WorkflowStatus is a workflow's lifecycle state.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowTimeout   WorkflowStatus = "TIMEOUT"
)

// Event is the closed taxonomy of coordinator notifications.
type Event string

const (
	EventWorkflowStarted        Event = "workflow_started"
	EventWorkflowCompleted      Event = "workflow_completed"
	EventWorkflowFailed         Event = "workflow_failed"
	EventTaskAssigned           Event = "task_assigned"
	EventTaskCompleted          Event = "task_completed"
	EventTaskFailed             Event = "task_failed"
	EventCollaborationStarted   Event = "collaboration_started"
	EventCollaborationCompleted Event = "collaboration_completed"
)

// Condition is the pluggable predicate grammar for CONDITIONAL
// workflows: it receives the accumulated results of prior tasks in
// declaration order and reports whether this task should run.
type Condition func(priorResults map[string]interface{}) bool

// Task is a unit of work dispatched to exactly one agent.
type Task struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Description  string                 `json:"description"`
	Parameters   map[string]interface{} `json:"parameters"`
	Capability   string                 `json:"capability,omitempty"`
	AgentType    string                 `json:"agent_type,omitempty"`
	Priority     string                 `json:"priority"`
	TimeoutSeconds int64                `json:"timeout_seconds"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	Status       TaskStatus             `json:"status"`
	AssignedAgent string                `json:"assigned_agent,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`

	// Condition is evaluated against prior task results when the owning
	// workflow's ExecutionType is CONDITIONAL; a nil Condition always runs.
	Condition Condition `json:"-"`
}

// Ready reports whether every dependency of t has completed, per spec
// §3's readiness invariant.
func (t *Task) Ready(statuses map[string]TaskStatus) bool {
	for _, dep := range t.Dependencies {
		if statuses[dep] != TaskCompleted {
			return false
		}
	}
	return true
}

// Workflow is an ordered collection of tasks executed under one
// ExecutionType/CollaborationPattern.
type Workflow struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Tasks       []*Task              `json:"tasks"`
	Execution   ExecutionType        `json:"execution"`
	Pattern     CollaborationPattern `json:"pattern,omitempty"`
	Status      WorkflowStatus       `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Progress implements spec §3's completed_tasks / total_tasks ratio.
func (w *Workflow) Progress() float64 {
	if len(w.Tasks) == 0 {
		return 0
	}
	completed := 0
	for _, t := range w.Tasks {
		if t.Status == TaskCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(w.Tasks))
}

// Collaboration is a live multi-agent session started by
// start_collaboration.
type Collaboration struct {
	ID        string               `json:"id"`
	Agents    []string             `json:"agents"`
	Pattern   CollaborationPattern `json:"pattern"`
	Context   map[string]interface{} `json:"context,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
}

// Stats is the snapshot returned by Coordinator.Stats.
type Stats struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	WorkflowsTimedOut  int64
	TasksAssigned      int64
	TasksCompleted     int64
	TasksFailed        int64
	TasksTimedOut      int64
	NoEligibleAgent    int64
}
