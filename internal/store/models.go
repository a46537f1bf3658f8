package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
	StatusFailed   SyncStatus = "failed"
)

// Priority orders queue processing; lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

type Method string

const (
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
)

// EntityRecord is a locally cached business record. The payload is opaque to
// the engine; only id, type and version participate in sync decisions.
type EntityRecord struct {
	Type       string          `db:"entity_type"`
	ID         string          `db:"id"`
	Payload    json.RawMessage `db:"payload"`
	Version    string          `db:"version"`
	UpdatedAt  time.Time       `db:"updated_at"`
	SyncStatus SyncStatus      `db:"sync_status"`
	Priority   Priority        `db:"priority"`
}

// QueueItem is a durable pending local write. The id doubles as the
// idempotency key the remote backend dedupes on.
type QueueItem struct {
	ID          string          `db:"id"`
	Method      Method          `db:"method"`
	TargetType  string          `db:"target_type"`
	TargetID    string          `db:"target_id"`
	Payload     json.RawMessage `db:"payload"`
	BaseVersion string          `db:"base_version"`
	Priority    Priority        `db:"priority"`
	EnqueuedAt  time.Time       `db:"enqueued_at"`
	NotBefore   time.Time       `db:"not_before"`
	RetryCount  int             `db:"retry_count"`
	MaxRetries  int             `db:"max_retries"`
}

type ConflictType string

const (
	ConflictConcurrentUpdate ConflictType = "concurrent-update"
	ConflictDeleteVsUpdate   ConflictType = "delete-vs-update"
)

// Conflict records a divergence between local and remote state for one
// entity. It is removed only by an explicit, terminal resolution.
type Conflict struct {
	ID                 string          `db:"id"`
	EntityType         string          `db:"entity_type"`
	EntityID           string          `db:"entity_id"`
	LocalPayload       json.RawMessage `db:"local_payload"`
	RemotePayload      json.RawMessage `db:"remote_payload"`
	Type               ConflictType    `db:"conflict_type"`
	DetectedAt         time.Time       `db:"detected_at"`
	Resolved           bool            `db:"resolved"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy"`
	ResolvedAt         sql.NullTime    `db:"resolved_at"`
	ResolvedPayload    json.RawMessage `db:"resolved_payload"`
}
