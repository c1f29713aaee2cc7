package kv

import "fmt"

// Keys centralizes the key layout from spec §6 so every component
// constructs keys the same way instead of hand-formatting strings.
type Keys struct{}

func (Keys) QueuePriority(priority string) string   { return fmt.Sprintf("queue:%s", priority) }
func (Keys) QueueDeadLetter() string                { return "queue:dead_letter" }
func (Keys) AgentInbox(agentID string) string       { return fmt.Sprintf("agent:%s:inbox", agentID) }
func (Keys) Messages() string                       { return "messages" }
func (Keys) Topic(name string) string               { return fmt.Sprintf("topic:%s", name) }
func (Keys) Dedup(hash string) string               { return fmt.Sprintf("dedup:%s", hash) }

func (Keys) Agents() string                  { return "agents" }
func (Keys) Capability(cap string) string    { return fmt.Sprintf("capabilities:%s", cap) }
func (Keys) AgentType(t string) string       { return fmt.Sprintf("types:%s", t) }
func (Keys) RoundRobinCounter(k string) string { return fmt.Sprintf("rr:%s", k) }

func (Keys) MemoryEntries() string  { return "memory:entries" }
func (Keys) MemoryLocks() string    { return "memory:locks" }
func (Keys) MemoryVersions(key string) string { return fmt.Sprintf("memory:versions:%s", key) }
func (Keys) MemoryConflicts() string { return "memory:conflicts" }
func (Keys) MemorySync() string     { return "memory:sync" }

func (Keys) Tasks() string     { return "tasks" }
func (Keys) Workflows() string { return "workflows" }

func (Keys) WebhookQueue() string      { return "webhook_queue" }
func (Keys) WebhookDeadLetter() string { return "webhook_dead_letter" }
func (Keys) WebhookEvents() string     { return "webhook:events" }

func (Keys) Metric(name string) string { return fmt.Sprintf("metric:%s", name) }
