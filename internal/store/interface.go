package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the durable local state shared by the sync engine and the
// realtime subscribers. Writes must be durable before the call returns.
type Store interface {
	// Entities
	PutEntity(ctx context.Context, rec *EntityRecord) error
	GetEntity(ctx context.Context, entityType, id string) (*EntityRecord, error)
	ListEntities(ctx context.Context, entityType string) ([]*EntityRecord, error)
	DeleteEntity(ctx context.Context, entityType, id string) error

	// Mutation queue
	PutQueueItem(ctx context.Context, item *QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	ListQueueItems(ctx context.Context) ([]*QueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error

	// Conflicts
	CreateConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	GetOpenConflictByEntity(ctx context.Context, entityType, entityID string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool) ([]*Conflict, error)
	MarkConflictResolved(ctx context.Context, id, strategy string, resolvedPayload []byte) error

	// General
	Close() error
}
