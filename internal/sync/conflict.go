package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldsync/internal/event"
	"fieldsync/internal/logger"
	"fieldsync/internal/store"
)

// Strategy names a conflict resolution policy.
type Strategy string

const (
	ClientWins Strategy = "client-wins"
	ServerWins Strategy = "server-wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

// MergeFunc combines local and remote payloads into one. Registered per
// collection so merge logic stays type-aware.
type MergeFunc func(local, remote json.RawMessage) (json.RawMessage, error)

var (
	ErrAlreadyResolved = errors.New("conflict already resolved")
	ErrNoMergeFunc     = errors.New("no merge function registered for collection")
)

// Resolver is the single inbound path for remote change events. It detects
// divergence against pending local mutations, records conflicts, and
// buffers further remote events for an entity until its conflict is
// resolved.
type Resolver struct {
	store store.Store
	queue *Queue
	bus   *event.Bus
	locks *entityLocks

	merges map[string]MergeFunc

	// buffered holds remote events that arrived while a conflict was open,
	// keyed by entity. Flushed through Apply after terminal resolution.
	bufMu    gosync.Mutex
	buffered map[string][]ChangeEvent
}

func NewResolver(st store.Store, queue *Queue, bus *event.Bus, locks *entityLocks) *Resolver {
	return &Resolver{
		store:    st,
		queue:    queue,
		bus:      bus,
		locks:    locks,
		merges:   make(map[string]MergeFunc),
		buffered: make(map[string][]ChangeEvent),
	}
}

// RegisterMerge installs the merge function for one collection.
func (r *Resolver) RegisterMerge(collection string, fn MergeFunc) {
	r.merges[collection] = fn
}

// Apply runs one remote change event through conflict detection and, when
// clean, writes it to the local store. Returns true when the event was
// applied, false when it was buffered or turned into a conflict.
func (r *Resolver) Apply(ctx context.Context, ev ChangeEvent) (bool, error) {
	mu := r.locks.lock(ev.Collection, ev.EntityID)
	defer mu.Unlock()

	key := ev.Collection + "\x00" + ev.EntityID

	// An open conflict freezes the entity: hold events until resolution.
	if _, err := r.store.GetOpenConflictByEntity(ctx, ev.Collection, ev.EntityID); err == nil {
		r.bufMu.Lock()
		r.buffered[key] = append(r.buffered[key], ev)
		r.bufMu.Unlock()
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	conflict, err := r.Detect(ctx, ev)
	if err != nil {
		return false, err
	}
	if conflict != nil {
		if err := r.openConflict(ctx, conflict); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := r.applyEvent(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}

// Detect reports whether a remote event diverges from local state. A
// conflict is raised when the event targets an entity with queued or
// in-flight local mutations, or when the remote version marker no longer
// matches what the oldest pending mutation was based on.
func (r *Resolver) Detect(ctx context.Context, ev ChangeEvent) (*store.Conflict, error) {
	if ev.Type == Insert {
		return nil, nil
	}

	pending, err := r.queue.PendingForEntity(ctx, ev.Collection, ev.EntityID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	conflictType := store.ConflictConcurrentUpdate
	if ev.Type == Delete || pending[0].Method == store.MethodDelete {
		conflictType = store.ConflictDeleteVsUpdate
	}

	local := pending[len(pending)-1].Payload
	if local == nil {
		if rec, err := r.store.GetEntity(ctx, ev.Collection, ev.EntityID); err == nil {
			local = rec.Payload
		}
	}

	return &store.Conflict{
		ID:            uuid.New().String(),
		EntityType:    ev.Collection,
		EntityID:      ev.EntityID,
		LocalPayload:  local,
		RemotePayload: ev.NewPayload,
		Type:          conflictType,
		DetectedAt:    time.Now().UTC(),
	}, nil
}

func (r *Resolver) openConflict(ctx context.Context, c *store.Conflict) error {
	if err := r.store.CreateConflict(ctx, c); err != nil {
		return err
	}

	if rec, err := r.store.GetEntity(ctx, c.EntityType, c.EntityID); err == nil {
		rec.SyncStatus = store.StatusConflict
		if err := r.store.PutEntity(ctx, rec); err != nil {
			return err
		}
	}

	logger.Log.Warn("Conflict detected",
		zap.String("conflictID", c.ID),
		zap.String("entity", c.EntityType+"/"+c.EntityID),
		zap.String("type", string(c.Type)),
	)

	r.bus.Publish(event.ConflictDetected{
		ConflictID: c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Type:       string(c.Type),
	})

	return nil
}

// applyEvent writes an accepted remote event to the local store. Applying
// the same event twice converges to the same state.
func (r *Resolver) applyEvent(ctx context.Context, ev ChangeEvent) error {
	switch ev.Type {
	case Delete:
		if err := r.store.DeleteEntity(ctx, ev.Collection, ev.EntityID); err != nil {
			return err
		}
	default:
		observedAt := ev.ObservedAt
		if observedAt.IsZero() {
			observedAt = time.Now().UTC()
		}

		priority := store.PriorityNormal
		if rec, err := r.store.GetEntity(ctx, ev.Collection, ev.EntityID); err == nil {
			priority = rec.Priority
		}

		rec := &store.EntityRecord{
			Type:       ev.Collection,
			ID:         ev.EntityID,
			Payload:    ev.NewPayload,
			Version:    ev.Version,
			UpdatedAt:  observedAt,
			SyncStatus: store.StatusSynced,
			Priority:   priority,
		}
		if err := r.store.PutEntity(ctx, rec); err != nil {
			return err
		}
	}

	r.bus.Publish(event.EntitySaved{EntityType: ev.Collection, EntityID: ev.EntityID})
	return nil
}

// Resolve closes a conflict with the given strategy. Terminal strategies
// cannot be undone; Manual leaves the conflict open for the UI.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy Strategy) error {
	c, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Resolved {
		return ErrAlreadyResolved
	}

	if strategy == Manual {
		// Both payloads stay exposed until a terminal call arrives.
		return nil
	}

	if err := r.resolveTerminal(ctx, c, strategy); err != nil {
		return err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("conflictID", conflictID),
		zap.String("entity", c.EntityType+"/"+c.EntityID),
		zap.String("strategy", string(strategy)),
	)

	r.bus.Publish(event.ConflictResolved{
		ConflictID: conflictID,
		EntityID:   c.EntityID,
		Strategy:   string(strategy),
	})

	// Release buffered remote events through the normal apply path.
	key := c.EntityType + "\x00" + c.EntityID
	r.bufMu.Lock()
	held := r.buffered[key]
	delete(r.buffered, key)
	r.bufMu.Unlock()

	for _, ev := range held {
		if _, err := r.Apply(ctx, ev); err != nil {
			logger.Log.Error("Failed to apply buffered event",
				zap.String("event", ev.String()),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Resolver) resolveTerminal(ctx context.Context, c *store.Conflict, strategy Strategy) error {
	mu := r.locks.lock(c.EntityType, c.EntityID)
	defer mu.Unlock()

	var resolvedPayload json.RawMessage

	switch strategy {
	case ClientWins:
		// Local pending mutations stay queued; the remote payload is
		// discarded and will be overwritten on the next sync run.
		resolvedPayload = c.LocalPayload
		if err := r.markEntityStatus(ctx, c, store.StatusPending); err != nil {
			return err
		}

	case ServerWins:
		resolvedPayload = c.RemotePayload
		if err := r.queue.RemoveForEntity(ctx, c.EntityType, c.EntityID); err != nil {
			return err
		}
		if err := r.overwriteEntity(ctx, c, c.RemotePayload, store.StatusSynced); err != nil {
			return err
		}

	case Merge:
		fn, ok := r.merges[c.EntityType]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoMergeFunc, c.EntityType)
		}
		merged, err := fn(c.LocalPayload, c.RemotePayload)
		if err != nil {
			return fmt.Errorf("merge failed for %s/%s: %w", c.EntityType, c.EntityID, err)
		}
		resolvedPayload = merged
		if err := r.requeueMerged(ctx, c, merged); err != nil {
			return err
		}
		if err := r.overwriteEntity(ctx, c, merged, store.StatusPending); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	return r.store.MarkConflictResolved(ctx, c.ID, string(strategy), resolvedPayload)
}

func (r *Resolver) markEntityStatus(ctx context.Context, c *store.Conflict, status store.SyncStatus) error {
	rec, err := r.store.GetEntity(ctx, c.EntityType, c.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.SyncStatus = status
	return r.store.PutEntity(ctx, rec)
}

func (r *Resolver) overwriteEntity(ctx context.Context, c *store.Conflict, payload json.RawMessage, status store.SyncStatus) error {
	priority := store.PriorityNormal
	version := ""
	if rec, err := r.store.GetEntity(ctx, c.EntityType, c.EntityID); err == nil {
		priority = rec.Priority
		version = rec.Version
	}

	return r.store.PutEntity(ctx, &store.EntityRecord{
		Type:       c.EntityType,
		ID:         c.EntityID,
		Payload:    payload,
		Version:    version,
		UpdatedAt:  time.Now().UTC(),
		SyncStatus: status,
		Priority:   priority,
	})
}

// requeueMerged replaces the payload of the entity's pending mutation with
// the merged result, or enqueues a fresh update if nothing is queued.
func (r *Resolver) requeueMerged(ctx context.Context, c *store.Conflict, merged json.RawMessage) error {
	pending, err := r.queue.PendingForEntity(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return r.queue.Enqueue(ctx, &store.QueueItem{
			ID:         uuid.New().String(),
			Method:     store.MethodUpdate,
			TargetType: c.EntityType,
			TargetID:   c.EntityID,
			Payload:    merged,
			Priority:   store.PriorityNormal,
		})
	}

	item := pending[len(pending)-1]
	item.Payload = merged
	item.RetryCount = 0
	item.NotBefore = time.Now().UTC()
	return r.store.PutQueueItem(ctx, item)
}
