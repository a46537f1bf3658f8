package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all state in maps. Used by tests and ephemeral runs
// where durability is not required.
type MemoryStore struct {
	mu        sync.RWMutex
	entities  map[string]*EntityRecord // keyed by type + "\x00" + id
	queue     map[string]*QueueItem
	conflicts map[string]*Conflict
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[string]*EntityRecord),
		queue:     make(map[string]*QueueItem),
		conflicts: make(map[string]*Conflict),
	}
}

func entityKey(entityType, id string) string {
	return entityType + "\x00" + id
}

func (s *MemoryStore) PutEntity(ctx context.Context, rec *EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.entities[entityKey(rec.Type, rec.ID)] = &cp
	return nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, entityType, id string) (*EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entities[entityKey(entityType, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListEntities(ctx context.Context, entityType string) ([]*EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*EntityRecord
	for _, rec := range s.entities {
		if rec.Type == entityType {
			cp := *rec
			records = append(records, &cp)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *MemoryStore) DeleteEntity(ctx context.Context, entityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entities, entityKey(entityType, id))
	return nil
}

func (s *MemoryStore) PutQueueItem(ctx context.Context, item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *item
	s.queue[item.ID] = &cp
	return nil
}

func (s *MemoryStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStore) ListQueueItems(ctx context.Context) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*QueueItem, 0, len(s.queue))
	for _, item := range s.queue {
		cp := *item
		items = append(items, &cp)
	}
	return items, nil
}

func (s *MemoryStore) DeleteQueueItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queue, id)
	return nil
}

func (s *MemoryStore) CreateConflict(ctx context.Context, c *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.conflicts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetOpenConflictByEntity(ctx context.Context, entityType, entityID string) (*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conflicts {
		if c.EntityType == entityType && c.EntityID == entityID && !c.Resolved {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListConflicts(ctx context.Context, resolved bool) ([]*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conflicts []*Conflict
	for _, c := range s.conflicts {
		if c.Resolved == resolved {
			cp := *c
			conflicts = append(conflicts, &cp)
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt) })
	return conflicts, nil
}

func (s *MemoryStore) MarkConflictResolved(ctx context.Context, id, strategy string, resolvedPayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return ErrNotFound
	}

	c.Resolved = true
	c.ResolutionStrategy = sql.NullString{String: strategy, Valid: true}
	c.ResolvedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	c.ResolvedPayload = resolvedPayload
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
