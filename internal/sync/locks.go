package sync

import "sync"

// entityLocks serializes local-store access per entity id. The engine and
// the realtime subscribers share one instance so a queued write and an
// inbound remote event for the same entity never interleave.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *entityLocks) lock(entityType, entityID string) *sync.Mutex {
	key := entityType + "\x00" + entityID

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m
}
