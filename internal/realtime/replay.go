package realtime

import (
	gosync "sync"
	"time"

	"fieldsync/internal/sync"
)

// ReplayBuffer keeps a bounded history of applied change events so a
// reconnecting consumer can catch up without a full refetch. Oldest
// entries are evicted first.
type ReplayBuffer struct {
	mu       gosync.RWMutex
	events   []sync.ChangeEvent
	capacity int
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ReplayBuffer{capacity: capacity}
}

func (b *ReplayBuffer) Add(ev sync.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		// Shift rather than re-slice so the backing array does not pin
		// evicted events.
		copy(b.events, b.events[len(b.events)-b.capacity:])
		b.events = b.events[:b.capacity]
	}
}

// Since returns the buffered events observed after t, oldest first.
func (b *ReplayBuffer) Since(t time.Time) []sync.ChangeEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []sync.ChangeEvent
	for _, ev := range b.events {
		if ev.ObservedAt.After(t) {
			out = append(out, ev)
		}
	}
	return out
}

func (b *ReplayBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
