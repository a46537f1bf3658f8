package realtime

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fieldsync/internal/sync"
)

func bufEvent(id string, at time.Time) sync.ChangeEvent {
	return sync.ChangeEvent{
		Type:       sync.Update,
		Collection: "projects",
		EntityID:   id,
		ObservedAt: at,
	}
}

func TestReplayBufferEvictsOldestFirst(t *testing.T) {
	b := NewReplayBuffer(3)
	base := time.Now()

	for i := 0; i < 5; i++ {
		b.Add(bufEvent(fmt.Sprintf("e-%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	assert.Equal(t, 3, b.Len())

	events := b.Since(time.Time{})
	assert.Equal(t, "e-2", events[0].EntityID, "oldest surviving entry first")
	assert.Equal(t, "e-4", events[2].EntityID)
}

func TestReplayBufferSince(t *testing.T) {
	b := NewReplayBuffer(10)
	base := time.Now()

	b.Add(bufEvent("old", base))
	b.Add(bufEvent("mid", base.Add(10*time.Second)))
	b.Add(bufEvent("new", base.Add(20*time.Second)))

	events := b.Since(base.Add(5 * time.Second))
	assert.Len(t, events, 2)
	assert.Equal(t, "mid", events[0].EntityID)
	assert.Equal(t, "new", events[1].EntityID)

	assert.Empty(t, b.Since(base.Add(time.Minute)))
}

func TestReplayBufferDefaultCapacity(t *testing.T) {
	b := NewReplayBuffer(0)
	assert.Equal(t, 1000, b.capacity)
}
