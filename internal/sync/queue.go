package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"fieldsync/internal/config"
	"fieldsync/internal/event"
	"fieldsync/internal/logger"
	"fieldsync/internal/store"
)

// Queue is the durable, ordered queue of pending local writes. Persistence
// lives in the store; the queue owns ordering, idempotent enqueue, and the
// retry/backoff lifecycle.
type Queue struct {
	store store.Store
	bus   *event.Bus
	cfg   config.SyncConfig

	// now is swappable so tests can pin backoff arithmetic.
	now func() time.Time
}

func NewQueue(cfg config.SyncConfig, st store.Store, bus *event.Bus) *Queue {
	return &Queue{
		store: st,
		bus:   bus,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Enqueue persists a pending write. Re-enqueuing an id that is already
// queued is a no-op, which makes UI-side retries harmless.
func (q *Queue) Enqueue(ctx context.Context, item *store.QueueItem) error {
	if item.ID == "" {
		return errors.New("queue item id is required")
	}

	if _, err := q.store.GetQueueItem(ctx, item.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to check queue item %s: %w", item.ID, err)
	}

	if item.MaxRetries <= 0 {
		item.MaxRetries = q.cfg.MaxRetries
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now().UTC()
	}
	if item.NotBefore.IsZero() {
		item.NotBefore = item.EnqueuedAt
	}

	if err := q.store.PutQueueItem(ctx, item); err != nil {
		return err
	}

	logger.Log.Debug("Enqueued mutation",
		zap.String("id", item.ID),
		zap.String("target", item.TargetType+"/"+item.TargetID),
		zap.Int("priority", int(item.Priority)),
	)

	return nil
}

// DequeueBatch returns up to n due items in processing order. Items still
// inside a backoff window are excluded. Items are not removed; callers Ack
// or Requeue each one.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]*store.QueueItem, error) {
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return nil, err
	}

	now := q.now()
	due := items[:0]
	for _, item := range items {
		if !item.NotBefore.After(now) {
			due = append(due, item)
		}
	}

	orderItems(due)

	if len(due) > n {
		due = due[:n]
	}
	return due, nil
}

// Ack removes a delivered item.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.store.DeleteQueueItem(ctx, id)
}

// Requeue reschedules a transiently failed item with exponential backoff,
// or drops it with a single terminal event once retries are exhausted.
func (q *Queue) Requeue(ctx context.Context, id string, reason string) error {
	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}

	item.RetryCount++
	if item.RetryCount >= item.MaxRetries {
		return q.drop(ctx, item, reason)
	}

	backoff := q.backoff(item.RetryCount)
	item.NotBefore = q.now().Add(backoff)

	if err := q.store.PutQueueItem(ctx, item); err != nil {
		return err
	}

	logger.Log.Warn("Requeued mutation",
		zap.String("id", item.ID),
		zap.Int("retryCount", item.RetryCount),
		zap.Duration("backoff", backoff),
		zap.String("reason", reason),
	)

	return nil
}

// Drop removes an item immediately, for permanent remote rejections that
// retrying cannot fix.
func (q *Queue) Drop(ctx context.Context, id string, reason string) error {
	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	return q.drop(ctx, item, reason)
}

func (q *Queue) drop(ctx context.Context, item *store.QueueItem, reason string) error {
	if err := q.store.DeleteQueueItem(ctx, item.ID); err != nil {
		return err
	}

	logger.Log.Error("Dropped mutation",
		zap.String("id", item.ID),
		zap.Int("retryCount", item.RetryCount),
		zap.String("reason", reason),
	)

	q.bus.Publish(event.MutationDropped{
		ItemID:     item.ID,
		TargetType: item.TargetType,
		TargetID:   item.TargetID,
		RetryCount: item.RetryCount,
		Reason:     reason,
	})

	return nil
}

// RemoveForEntity silently discards all queued mutations targeting one
// entity. Used when a conflict is resolved server-wins.
func (q *Queue) RemoveForEntity(ctx context.Context, entityType, entityID string) error {
	items, err := q.PendingForEntity(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := q.store.DeleteQueueItem(ctx, item.ID); err != nil {
			return err
		}
	}
	return nil
}

// PendingForEntity returns the queued mutations for one entity in enqueue
// order.
func (q *Queue) PendingForEntity(ctx context.Context, entityType, entityID string) ([]*store.QueueItem, error) {
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*store.QueueItem
	for _, item := range items {
		if item.TargetType == entityType && item.TargetID == entityID {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EnqueuedAt.Before(matched[j].EnqueuedAt)
	})
	return matched, nil
}

// Len reports how many items are queued, due or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.cfg.RetryBase() << uint(retryCount)
	if max := q.cfg.RetryMax(); d > max {
		d = max
	}
	return d
}

// orderItems sorts in processing order: priority ascending, then enqueue
// time descending within a tier, so the freshest data syncs first. Items
// sharing a target entity are kept in enqueue order regardless, since
// per-entity mutations must apply in the order they were made.
func orderItems(items []*store.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].EnqueuedAt.After(items[j].EnqueuedAt)
	})

	positions := make(map[string][]int)
	for idx, item := range items {
		key := item.TargetType + "\x00" + item.TargetID
		positions[key] = append(positions[key], idx)
	}

	for _, idxs := range positions {
		if len(idxs) < 2 {
			continue
		}
		group := make([]*store.QueueItem, len(idxs))
		for k, i := range idxs {
			group[k] = items[i]
		}
		sort.SliceStable(group, func(a, b int) bool {
			return group[a].EnqueuedAt.Before(group[b].EnqueuedAt)
		})
		for k, i := range idxs {
			items[i] = group[k]
		}
	}
}
