package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/event"
	"fieldsync/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *Queue, store.Store, chan event.Event) {
	t.Helper()

	bus := event.NewBus()
	t.Cleanup(bus.Close)

	events := make(chan event.Event, 64)
	bus.Subscribe(func(e event.Event) { events <- e })

	st := store.NewMemoryStore()
	q := NewQueue(testSyncConfig(), st, bus)
	r := NewResolver(st, q, bus, newEntityLocks())
	return r, q, st, events
}

func pendingMutation(t *testing.T, q *Queue, entityID string, payload string) *store.QueueItem {
	t.Helper()

	it := &store.QueueItem{
		ID:         "mut-" + entityID,
		Method:     store.MethodUpdate,
		TargetType: "projects",
		TargetID:   entityID,
		Payload:    json.RawMessage(payload),
		Priority:   store.PriorityNormal,
		EnqueuedAt: time.Now().Add(-time.Second),
	}
	require.NoError(t, q.Enqueue(context.Background(), it))
	return it
}

func remoteUpdate(entityID, payload, version string) ChangeEvent {
	return ChangeEvent{
		Type:       Update,
		Collection: "projects",
		EntityID:   entityID,
		NewPayload: json.RawMessage(payload),
		Version:    version,
		ObservedAt: time.Now().UTC(),
	}
}

func TestApplyCleanEvent(t *testing.T) {
	r, _, st, _ := newTestResolver(t)
	ctx := context.Background()

	applied, err := r.Apply(ctx, remoteUpdate("p-1", `{"name":"fresh"}`, "v2"))
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := st.GetEntity(ctx, "projects", "p-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"fresh"}`, string(rec.Payload))
	assert.Equal(t, "v2", rec.Version)
	assert.Equal(t, store.StatusSynced, rec.SyncStatus)
}

func TestApplyIsIdempotent(t *testing.T) {
	r, _, st, _ := newTestResolver(t)
	ctx := context.Background()

	ev := remoteUpdate("p-2", `{"n":1}`, "v5")

	_, err := r.Apply(ctx, ev)
	require.NoError(t, err)
	first, err := st.GetEntity(ctx, "projects", "p-2")
	require.NoError(t, err)

	_, err = r.Apply(ctx, ev)
	require.NoError(t, err)
	second, err := st.GetEntity(ctx, "projects", "p-2")
	require.NoError(t, err)

	assert.JSONEq(t, string(first.Payload), string(second.Payload))
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.SyncStatus, second.SyncStatus)
}

func TestApplyDeleteRemovesEntity(t *testing.T) {
	r, _, st, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Apply(ctx, remoteUpdate("p-3", `{"x":1}`, "v1"))
	require.NoError(t, err)

	applied, err := r.Apply(ctx, ChangeEvent{
		Type: Delete, Collection: "projects", EntityID: "p-3", Version: "v2",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = st.GetEntity(ctx, "projects", "p-3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoteUpdateAgainstPendingMutationRaisesOneConflict(t *testing.T) {
	r, q, st, events := newTestResolver(t)
	ctx := context.Background()

	pendingMutation(t, q, "X", `{"v":"local"}`)

	applied, err := r.Apply(ctx, remoteUpdate("X", `{"v":"remote"}`, "v9"))
	require.NoError(t, err)
	assert.False(t, applied)

	c, err := st.GetOpenConflictByEntity(ctx, "projects", "X")
	require.NoError(t, err)
	assert.Equal(t, store.ConflictConcurrentUpdate, c.Type)
	assert.JSONEq(t, `{"v":"local"}`, string(c.LocalPayload))
	assert.JSONEq(t, `{"v":"remote"}`, string(c.RemotePayload))

	// A second remote event is buffered, not a second conflict.
	applied, err = r.Apply(ctx, remoteUpdate("X", `{"v":"remote2"}`, "v10"))
	require.NoError(t, err)
	assert.False(t, applied)

	open, err := st.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, open, 1, "at most one open conflict per entity")

	var detected int
	drain := time.After(200 * time.Millisecond)
	for {
		select {
		case e := <-events:
			if _, ok := e.(event.ConflictDetected); ok {
				detected++
			}
		case <-drain:
			assert.Equal(t, 1, detected)
			return
		}
	}
}

func TestDeleteVsUpdateConflictType(t *testing.T) {
	r, q, st, _ := newTestResolver(t)
	ctx := context.Background()

	pendingMutation(t, q, "Y", `{"v":"local"}`)

	_, err := r.Apply(ctx, ChangeEvent{
		Type: Delete, Collection: "projects", EntityID: "Y", Version: "v2",
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)

	c, err := st.GetOpenConflictByEntity(ctx, "projects", "Y")
	require.NoError(t, err)
	assert.Equal(t, store.ConflictDeleteVsUpdate, c.Type)
}

func TestResolveServerWins(t *testing.T) {
	r, q, st, _ := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, st.PutEntity(ctx, &store.EntityRecord{
		Type: "projects", ID: "X",
		Payload:    json.RawMessage(`{"v":"local"}`),
		UpdatedAt:  time.Now(),
		SyncStatus: store.StatusPending,
	}))
	pendingMutation(t, q, "X", `{"v":"local"}`)

	_, err := r.Apply(ctx, remoteUpdate("X", `{"v":"remote"}`, "v9"))
	require.NoError(t, err)

	c, err := st.GetOpenConflictByEntity(ctx, "projects", "X")
	require.NoError(t, err)

	require.NoError(t, r.Resolve(ctx, c.ID, ServerWins))

	rec, err := st.GetEntity(ctx, "projects", "X")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"remote"}`, string(rec.Payload))
	assert.Equal(t, store.StatusSynced, rec.SyncStatus)

	pending, err := q.PendingForEntity(ctx, "projects", "X")
	require.NoError(t, err)
	assert.Empty(t, pending, "competing local mutation dropped")

	_, err = st.GetOpenConflictByEntity(ctx, "projects", "X")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveClientWinsKeepsMutationQueued(t *testing.T) {
	r, q, st, _ := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, st.PutEntity(ctx, &store.EntityRecord{
		Type: "projects", ID: "Z",
		Payload:    json.RawMessage(`{"v":"local"}`),
		UpdatedAt:  time.Now(),
		SyncStatus: store.StatusPending,
	}))
	pendingMutation(t, q, "Z", `{"v":"local"}`)

	_, err := r.Apply(ctx, remoteUpdate("Z", `{"v":"remote"}`, "v9"))
	require.NoError(t, err)

	c, err := st.GetOpenConflictByEntity(ctx, "projects", "Z")
	require.NoError(t, err)
	require.NoError(t, r.Resolve(ctx, c.ID, ClientWins))

	rec, err := st.GetEntity(ctx, "projects", "Z")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"local"}`, string(rec.Payload), "remote payload discarded")
	assert.Equal(t, store.StatusPending, rec.SyncStatus)

	pending, err := q.PendingForEntity(ctx, "projects", "Z")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "local mutation stays queued for resync")
}

func TestResolveMerge(t *testing.T) {
	r, q, st, _ := newTestResolver(t)
	ctx := context.Background()

	r.RegisterMerge("projects", func(local, remote json.RawMessage) (json.RawMessage, error) {
		var l, rm map[string]any
		if err := json.Unmarshal(local, &l); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(remote, &rm); err != nil {
			return nil, err
		}
		for k, v := range rm {
			if _, ok := l[k]; !ok {
				l[k] = v
			}
		}
		return json.Marshal(l)
	})

	pendingMutation(t, q, "M", `{"name":"local"}`)

	_, err := r.Apply(ctx, remoteUpdate("M", `{"name":"remote","crew":4}`, "v2"))
	require.NoError(t, err)

	c, err := st.GetOpenConflictByEntity(ctx, "projects", "M")
	require.NoError(t, err)
	require.NoError(t, r.Resolve(ctx, c.ID, Merge))

	rec, err := st.GetEntity(ctx, "projects", "M")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local","crew":4}`, string(rec.Payload))
	assert.Equal(t, store.StatusPending, rec.SyncStatus)

	pending, err := q.PendingForEntity(ctx, "projects", "M")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"name":"local","crew":4}`, string(pending[0].Payload), "merged payload requeued")
}

func TestResolveManualLeavesConflictOpen(t *testing.T) {
	r, q, st, _ := newTestResolver(t)
	ctx := context.Background()

	pendingMutation(t, q, "N", `{"v":"local"}`)
	_, err := r.Apply(ctx, remoteUpdate("N", `{"v":"remote"}`, "v2"))
	require.NoError(t, err)

	c, err := st.GetOpenConflictByEntity(ctx, "projects", "N")
	require.NoError(t, err)

	require.NoError(t, r.Resolve(ctx, c.ID, Manual))

	still, err := st.GetOpenConflictByEntity(ctx, "projects", "N")
	require.NoError(t, err)
	assert.Equal(t, c.ID, still.ID)
	assert.JSONEq(t, `{"v":"local"}`, string(still.LocalPayload))
	assert.JSONEq(t, `{"v":"remote"}`, string(still.RemotePayload))
}

func TestResolveIsTerminal(t *testing.T) {
	r, q, st, _ := newTestResolver(t)
	ctx := context.Background()

	pendingMutation(t, q, "T", `{"v":"local"}`)
	_, err := r.Apply(ctx, remoteUpdate("T", `{"v":"remote"}`, "v2"))
	require.NoError(t, err)

	c, err := st.GetOpenConflictByEntity(ctx, "projects", "T")
	require.NoError(t, err)

	require.NoError(t, r.Resolve(ctx, c.ID, ServerWins))
	assert.ErrorIs(t, r.Resolve(ctx, c.ID, ClientWins), ErrAlreadyResolved)
}

func TestBufferedEventsFlushAfterResolution(t *testing.T) {
	r, q, st, _ := newTestResolver(t)
	ctx := context.Background()

	pendingMutation(t, q, "B", `{"v":"local"}`)

	_, err := r.Apply(ctx, remoteUpdate("B", `{"v":"remote1"}`, "v1"))
	require.NoError(t, err)

	// Arrives while the conflict is open: buffered, not applied.
	_, err = r.Apply(ctx, remoteUpdate("B", `{"v":"remote2"}`, "v2"))
	require.NoError(t, err)

	c, err := st.GetOpenConflictByEntity(ctx, "projects", "B")
	require.NoError(t, err)
	require.NoError(t, r.Resolve(ctx, c.ID, ServerWins))

	// Server-wins removed the pending mutation, so the buffered event
	// applies cleanly.
	rec, err := st.GetEntity(ctx, "projects", "B")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"remote2"}`, string(rec.Payload))
	assert.Equal(t, "v2", rec.Version)
}
