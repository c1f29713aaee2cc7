// Package registry implements the agent directory with capability/type
// indices, health tracking, and load-balanced selection (spec component
// C3).
package registry

import "time"

// Capability is drawn from a closed enumeration (spec §3).
type Capability string

const (
	CapCodeGeneration          Capability = "code_generation"
	CapCodeAnalysis            Capability = "code_analysis"
	CapDebugging               Capability = "debugging"
	CapTesting                 Capability = "testing"
	CapDocumentation           Capability = "documentation"
	CapDeployment              Capability = "deployment"
	CapSecurityAudit           Capability = "security_audit"
	CapPerformanceOptimization Capability = "performance_optimization"
	CapArchitectureDesign      Capability = "architecture_design"
	CapIntegration             Capability = "integration"
	CapBrowserAutomation       Capability = "browser_automation"
	CapMemoryManagement        Capability = "memory_management"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusIdle        Status = "IDLE"
	StatusBusy        Status = "BUSY"
	StatusOverloaded  Status = "OVERLOADED"
	StatusError       Status = "ERROR"
	StatusMaintenance Status = "MAINTENANCE"
	StatusStopping    Status = "STOPPING"
	StatusOffline     Status = "OFFLINE"
)

// Strategy selects which eligible agent wins a selection.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "ROUND_ROBIN"
	StrategyLeastConnections   Strategy = "LEAST_CONNECTIONS"
	StrategyLeastResponseTime  Strategy = "LEAST_RESPONSE_TIME"
	StrategyWeightedRoundRobin Strategy = "WEIGHTED_ROUND_ROBIN"
	StrategyResourceBased      Strategy = "RESOURCE_BASED"
)

// Event is the closed taxonomy of registry state-change notifications.
type Event string

const (
	EventRegistered    Event = "registered"
	EventUnregistered  Event = "unregistered"
	EventStatusChanged Event = "status_changed"
	EventFailed        Event = "failed"
	EventRecovered     Event = "recovered"
)

// Metrics tracks an agent's load and performance.
type Metrics struct {
	TotalTasks          int64     `json:"total_tasks"`
	CompletedTasks      int64     `json:"completed_tasks"`
	FailedTasks         int64     `json:"failed_tasks"`
	AverageResponseTime float64   `json:"average_response_time"`
	CurrentLoad         int       `json:"current_load"`
	MaxConcurrent       int       `json:"max_concurrent"`
	CPUPercent          float64   `json:"cpu_percent"`
	MemoryPercent       float64   `json:"memory_percent"`
	LastActivity        time.Time `json:"last_activity"`
	UptimeSeconds       float64   `json:"uptime_seconds"`
}

// Record is an agent's directory entry.
type Record struct {
	ID               string                 `json:"id"`
	Type             string                 `json:"type"`
	Capabilities     []Capability           `json:"capabilities"`
	Status           Status                 `json:"status"`
	Version          string                 `json:"version"`
	Host             string                 `json:"host"`
	Port             int                    `json:"port"`
	Endpoint         string                 `json:"endpoint"`
	Weight           float64                `json:"weight"`
	Tags             map[string]string      `json:"tags,omitempty"`
	Config           map[string]interface{} `json:"config,omitempty"`
	Metrics          Metrics                `json:"metrics"`
	RegisteredAt     time.Time              `json:"registered_at"`
	LastHeartbeat    time.Time              `json:"last_heartbeat"`
	HeartbeatInterval time.Duration         `json:"heartbeat_interval"`
}

// Healthy implements spec §3's health invariant.
func (r *Record) Healthy(now time.Time) bool {
	if r.Status == StatusOffline {
		return false
	}
	interval := r.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return now.Sub(r.LastHeartbeat) <= 2*interval
}

// Eligible implements spec §4.2's eligibility filter chain for a task
// requiring capability cap and/or type agentType.
func (r *Record) Eligible(cap Capability, agentType string, now time.Time) bool {
	if cap != "" && !r.HasCapability(cap) {
		return false
	}
	if agentType != "" && r.Type != agentType {
		return false
	}
	if r.Status != StatusIdle && r.Status != StatusBusy {
		return false
	}
	if r.Status == StatusOverloaded {
		return false
	}
	if r.Metrics.MaxConcurrent > 0 && r.Metrics.CurrentLoad >= r.Metrics.MaxConcurrent {
		return false
	}
	return r.Healthy(now)
}

func (r *Record) HasCapability(cap Capability) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Stats is the snapshot returned by Registry.Stats.
type Stats struct {
	TotalAgents    int64
	HealthyAgents  int64
	OfflineAgents  int64
	TotalSelections int64
	NoEligibleCount int64
}
