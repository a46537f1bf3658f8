package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldsync/internal/config"
	"fieldsync/internal/event"
	"fieldsync/internal/logger"
	"fieldsync/internal/store"
	"fieldsync/internal/transport"
)

// Connectivity is what the engine needs to know about the link. The
// monitor implements it; tests stub it.
type Connectivity interface {
	Online() bool
	Allows(threshold string) bool
}

// RunResult summarizes one completed sync run.
type RunResult struct {
	Trigger   Trigger       `json:"trigger"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"durationMs"`
	Aborted   bool          `json:"aborted"`
}

// Engine uploads the mutation queue to the remote backend. One engine
// instance is constructed at process start and passed to all call sites.
// At most one run is in flight; a trigger during a run is a no-op.
type Engine struct {
	cfg      config.SyncConfig
	store    store.Store
	queue    *Queue
	resolver *Resolver
	remote   transport.Remote
	monitor  Connectivity
	bus      *event.Bus
	locks    *entityLocks

	mu         gosync.Mutex
	running    bool
	cancelRun  context.CancelFunc
	lastResult *RunResult
}

func NewEngine(cfg config.SyncConfig, st store.Store, remote transport.Remote, monitor Connectivity, bus *event.Bus) (*Engine, error) {
	locks := newEntityLocks()
	queue := NewQueue(cfg, st, bus)
	resolver := NewResolver(st, queue, bus, locks)

	e := &Engine{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		resolver: resolver,
		remote:   remote,
		monitor:  monitor,
		bus:      bus,
		locks:    locks,
	}

	if err := e.recover(context.Background()); err != nil {
		return nil, err
	}

	// A transition back online starts a run immediately rather than
	// waiting for the next interval tick.
	bus.Subscribe(func(ev event.Event) {
		if cc, ok := ev.(event.ConnectionChanged); ok && cc.Online {
			e.Trigger(TriggerOnline)
		}
	})

	return e, nil
}

// Queue exposes the mutation queue, for the control API.
func (e *Engine) Queue() *Queue { return e.queue }

// Resolver exposes conflict detection and resolution.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// recover resets entities stuck in a syncing state from a previous crash.
// Their queue items are still durable and will be retried idempotently.
func (e *Engine) recover(ctx context.Context) error {
	items, err := e.store.ListQueueItems(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		rec, err := e.store.GetEntity(ctx, item.TargetType, item.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if rec.SyncStatus == store.StatusSyncing {
			rec.SyncStatus = store.StatusPending
			if err := e.store.PutEntity(ctx, rec); err != nil {
				return err
			}
		}
	}

	if len(items) > 0 {
		logger.Log.Info("Recovered durable queue", zap.Int("pending", len(items)))
	}

	return nil
}

// SaveEntity is the UI write path: persist the record locally and queue a
// mutation for delivery. Returns the queue item id (the idempotency key).
func (e *Engine) SaveEntity(ctx context.Context, method store.Method, entityType, id string, payload json.RawMessage, priority store.Priority) (string, error) {
	mu := e.locks.lock(entityType, id)
	defer mu.Unlock()

	baseVersion := ""
	if rec, err := e.store.GetEntity(ctx, entityType, id); err == nil {
		baseVersion = rec.Version
	}

	if method == store.MethodDelete {
		if err := e.store.DeleteEntity(ctx, entityType, id); err != nil {
			return "", err
		}
	} else {
		rec := &store.EntityRecord{
			Type:       entityType,
			ID:         id,
			Payload:    payload,
			Version:    baseVersion,
			UpdatedAt:  time.Now().UTC(),
			SyncStatus: store.StatusPending,
			Priority:   priority,
		}
		if err := e.store.PutEntity(ctx, rec); err != nil {
			return "", err
		}
	}

	item := &store.QueueItem{
		ID:          uuid.New().String(),
		Method:      method,
		TargetType:  entityType,
		TargetID:    id,
		Payload:     payload,
		BaseVersion: baseVersion,
		Priority:    priority,
	}
	if err := e.queue.Enqueue(ctx, item); err != nil {
		return "", err
	}

	e.bus.Publish(event.EntitySaved{EntityType: entityType, EntityID: id})
	return item.ID, nil
}

// Trigger starts a sync run unless one is already in flight or the link
// does not meet the configured threshold. Returns whether a run started.
func (e *Engine) Trigger(trigger Trigger) bool {
	if !e.monitor.Online() || !e.monitor.Allows(e.cfg.NetworkThreshold) {
		logger.Log.Debug("Sync skipped, link below threshold",
			zap.String("trigger", string(trigger)),
			zap.String("threshold", e.cfg.NetworkThreshold),
		)
		return false
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		logger.Log.Debug("Sync already running, trigger ignored", zap.String("trigger", string(trigger)))
		return false
	}
	e.running = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelRun = cancel
	e.mu.Unlock()

	go e.run(ctx, trigger)
	return true
}

// Stop cancels an in-flight run. The current batch finishes; no further
// batches are dequeued.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelRun != nil {
		e.cancelRun()
	}
}

// Status reports idle or running.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return "running"
	}
	return "idle"
}

// LastResult returns the outcome of the most recent run, if any.
func (e *Engine) LastResult() *RunResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return nil
	}
	cp := *e.lastResult
	return &cp
}

type itemOutcome int

const (
	outcomeAcked itemOutcome = iota
	outcomeRequeued
	outcomeDropped
	outcomeSkipped
)

func (e *Engine) run(ctx context.Context, trigger Trigger) {
	start := time.Now()
	result := &RunResult{Trigger: trigger}

	logger.Log.Info("Sync run started", zap.String("trigger", string(trigger)))
	e.bus.Publish(event.SyncStarted{Trigger: string(trigger), At: start})

	// attempted stops the loop from re-dequeuing items it already touched
	// this run; blocked keeps per-entity enqueue order when an earlier
	// mutation for the entity could not be delivered.
	attempted := make(map[string]bool)
	blocked := make(map[string]bool)

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

loop:
	for {
		select {
		case <-ctx.Done():
			result.Aborted = true
			break loop
		default:
		}

		batch, err := e.queue.DequeueBatch(ctx, batchSize)
		if err != nil {
			logger.Log.Error("Failed to dequeue batch", zap.Error(err))
			e.bus.Publish(event.SyncFailed{Reason: err.Error()})
			break
		}

		progressed := false
		for _, item := range batch {
			if attempted[item.ID] {
				continue
			}
			attempted[item.ID] = true
			progressed = true

			entityKey := item.TargetType + "\x00" + item.TargetID
			if blocked[entityKey] {
				continue
			}

			switch e.processItem(ctx, item) {
			case outcomeAcked:
				result.Synced++
			case outcomeDropped:
				result.Failed++
			case outcomeRequeued:
				result.Failed++
				blocked[entityKey] = true
			case outcomeSkipped:
				blocked[entityKey] = true
			}
		}

		if remaining, err := e.queue.Len(ctx); err == nil {
			e.bus.Publish(event.SyncProgress{Processed: result.Synced + result.Failed, Remaining: remaining})
		}

		if !progressed {
			break
		}
	}

	result.Duration = time.Since(start)
	if remaining, err := e.queue.Len(ctx); err == nil {
		result.Remaining = remaining
	}

	e.mu.Lock()
	e.running = false
	e.cancelRun = nil
	e.lastResult = result
	e.mu.Unlock()

	logger.Log.Info("Sync run finished",
		zap.String("trigger", string(trigger)),
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("remaining", result.Remaining),
		zap.Duration("duration", result.Duration),
		zap.Bool("aborted", result.Aborted),
	)

	e.bus.Publish(event.SyncCompleted{
		Synced:    result.Synced,
		Failed:    result.Failed,
		Remaining: result.Remaining,
		Duration:  result.Duration,
	})
}

func (e *Engine) processItem(ctx context.Context, item *store.QueueItem) itemOutcome {
	mu := e.locks.lock(item.TargetType, item.TargetID)
	defer mu.Unlock()

	// An open conflict blocks sync for its entity only; the item stays
	// queued until resolution.
	if _, err := e.store.GetOpenConflictByEntity(ctx, item.TargetType, item.TargetID); err == nil {
		return outcomeSkipped
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Log.Error("Failed to check conflicts", zap.String("item", item.ID), zap.Error(err))
		return outcomeSkipped
	}

	e.setEntityStatus(ctx, item, store.StatusSyncing)

	err := e.remote.Apply(ctx, transport.MutationRequest{
		ID:         item.ID,
		Method:     item.Method,
		Collection: item.TargetType,
		EntityID:   item.TargetID,
		Payload:    item.Payload,
	})

	switch {
	case err == nil:
		if ackErr := e.queue.Ack(ctx, item.ID); ackErr != nil {
			logger.Log.Error("Failed to ack item", zap.String("item", item.ID), zap.Error(ackErr))
		}
		e.setEntityStatus(ctx, item, store.StatusSynced)
		return outcomeAcked

	case transport.IsPermanent(err):
		if dropErr := e.queue.Drop(ctx, item.ID, err.Error()); dropErr != nil {
			logger.Log.Error("Failed to drop item", zap.String("item", item.ID), zap.Error(dropErr))
		}
		e.setEntityStatus(ctx, item, store.StatusFailed)
		return outcomeDropped

	default:
		if reqErr := e.queue.Requeue(ctx, item.ID, err.Error()); reqErr != nil {
			logger.Log.Error("Failed to requeue item", zap.String("item", item.ID), zap.Error(reqErr))
		}
		// Requeue drops the item itself once retries are exhausted.
		if _, getErr := e.store.GetQueueItem(ctx, item.ID); errors.Is(getErr, store.ErrNotFound) {
			e.setEntityStatus(ctx, item, store.StatusFailed)
			return outcomeDropped
		}
		e.setEntityStatus(ctx, item, store.StatusPending)
		return outcomeRequeued
	}
}

func (e *Engine) setEntityStatus(ctx context.Context, item *store.QueueItem, status store.SyncStatus) {
	rec, err := e.store.GetEntity(ctx, item.TargetType, item.TargetID)
	if err != nil {
		return
	}
	rec.SyncStatus = status
	if err := e.store.PutEntity(ctx, rec); err != nil {
		logger.Log.Error("Failed to update entity status",
			zap.String("entity", item.TargetType+"/"+item.TargetID),
			zap.Error(err),
		)
	}
}
