// Package memory implements the versioned shared-state coordinator with
// distributed advisory locks, conflict detection, and sync strategies
// (spec component C4).
package memory

import "time"

// LockType governs the compatibility matrix of spec §3: two locks on the
// same key may coexist iff both are SHARED; EXCLUSIVE excludes all
// others.
type LockType string

const (
	LockShared    LockType = "SHARED"
	LockExclusive LockType = "EXCLUSIVE"
	LockIntent    LockType = "INTENT"
)

func compatible(a, b LockType) bool {
	if a == LockExclusive || b == LockExclusive {
		return false
	}
	return a == LockShared && b == LockShared
}

// SyncStrategy governs write visibility (spec §4.3).
type SyncStrategy string

const (
	SyncImmediate SyncStrategy = "IMMEDIATE"
	SyncEventual  SyncStrategy = "EVENTUAL"
	SyncBatch     SyncStrategy = "BATCH"
	SyncPeriodic  SyncStrategy = "PERIODIC"
)

// ConflictStrategy resolves competing concurrent writes (spec §4.3).
type ConflictStrategy string

const (
	ConflictLastWriterWins  ConflictStrategy = "LAST_WRITER_WINS"
	ConflictFirstWriterWins ConflictStrategy = "FIRST_WRITER_WINS"
	ConflictMerge           ConflictStrategy = "MERGE"
	ConflictManual          ConflictStrategy = "MANUAL"
	ConflictVersionBased    ConflictStrategy = "VERSION_BASED"
)

// VersionOp is the action recorded in a MemoryVersion entry.
type VersionOp string

const (
	OpRead   VersionOp = "READ"
	OpWrite  VersionOp = "WRITE"
	OpUpdate VersionOp = "UPDATE"
	OpDelete VersionOp = "DELETE"
	OpLock   VersionOp = "LOCK"
	OpUnlock VersionOp = "UNLOCK"
)

// Entry is a versioned shared-memory record.
type Entry struct {
	Key          string                 `json:"key"`
	Value        map[string]interface{} `json:"value"`
	Version      int64                  `json:"version"`
	CreatedBy    string                 `json:"created_by"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedBy    string                 `json:"updated_by"`
	UpdatedAt    time.Time              `json:"updated_at"`
	AccessCount  int64                  `json:"access_count"`
	LastAccessed time.Time              `json:"last_accessed"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Checksum     string                 `json:"checksum"`
}

// Lock is an advisory acquisition on a memory key.
type Lock struct {
	ID        string                 `json:"id"`
	Key       string                 `json:"key"`
	AgentID   string                 `json:"agent_id"`
	Type      LockType               `json:"type"`
	AcquiredAt time.Time             `json:"acquired_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (l *Lock) Expired(now time.Time) bool { return now.After(l.ExpiresAt) }

// Version records one historical mutation of a key.
type Version struct {
	Version   int64     `json:"version"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Operation VersionOp `json:"operation"`
	Checksum  string    `json:"checksum"`
}

// Conflict groups competing concurrent versions of one key pending
// resolution.
type Conflict struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Candidates []Entry  `json:"candidates"`
	DetectedAt time.Time `json:"detected_at"`
	Resolved  bool      `json:"resolved"`
}

// Stats is the snapshot returned by Coordinator.Stats.
type Stats struct {
	TotalReads          int64
	TotalWrites         int64
	LockContention      int64
	ConflictsDetected   int64
	ConflictsResolved   int64
	CacheSize           int
	CacheHits           int64
	CacheMisses         int64
}
