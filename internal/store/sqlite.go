package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"fieldsync/internal/config"
	"fieldsync/internal/logger"
)

// SQLiteStore persists engine state in a local SQLite database. WAL mode
// keeps writes durable without blocking readers, which matters on flaky
// field devices that lose power mid-run.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(cfg config.StorageConfig) (*SQLiteStore, error) {
	busyTimeout := cfg.BusyTimeoutMs
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
		cfg.Path, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// The sqlite driver serializes writes anyway; one connection avoids
	// SQLITE_BUSY churn under concurrent access.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Log.Info("Opened local store", zap.String("path", cfg.Path))

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		id          TEXT NOT NULL,
		payload     BLOB,
		version     TEXT NOT NULL DEFAULT '',
		updated_at  TIMESTAMP NOT NULL,
		sync_status TEXT NOT NULL,
		priority    INTEGER NOT NULL DEFAULT 2,
		PRIMARY KEY (entity_type, id)
	);

	CREATE TABLE IF NOT EXISTS queue_items (
		id           TEXT PRIMARY KEY,
		method       TEXT NOT NULL,
		target_type  TEXT NOT NULL,
		target_id    TEXT NOT NULL,
		payload      BLOB,
		base_version TEXT NOT NULL DEFAULT '',
		priority     INTEGER NOT NULL DEFAULT 2,
		enqueued_at  TIMESTAMP NOT NULL,
		not_before   TIMESTAMP NOT NULL,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		max_retries  INTEGER NOT NULL DEFAULT 3
	);

	CREATE INDEX IF NOT EXISTS idx_queue_target ON queue_items (target_type, target_id);

	CREATE TABLE IF NOT EXISTS conflicts (
		id                  TEXT PRIMARY KEY,
		entity_type         TEXT NOT NULL,
		entity_id           TEXT NOT NULL,
		local_payload       BLOB,
		remote_payload      BLOB,
		conflict_type       TEXT NOT NULL,
		detected_at         TIMESTAMP NOT NULL,
		resolved            INTEGER NOT NULL DEFAULT 0,
		resolution_strategy TEXT,
		resolved_at         TIMESTAMP,
		resolved_payload    BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts (entity_type, entity_id, resolved);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutEntity(ctx context.Context, rec *EntityRecord) error {
	query := `INSERT INTO entities (entity_type, id, payload, version, updated_at, sync_status, priority)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT (entity_type, id) DO UPDATE SET
			  payload = excluded.payload,
			  version = excluded.version,
			  updated_at = excluded.updated_at,
			  sync_status = excluded.sync_status,
			  priority = excluded.priority`

	_, err := s.db.ExecContext(ctx, query,
		rec.Type,
		rec.ID,
		[]byte(rec.Payload),
		rec.Version,
		rec.UpdatedAt,
		rec.SyncStatus,
		rec.Priority,
	)
	if err != nil {
		return fmt.Errorf("failed to put entity %s/%s: %w", rec.Type, rec.ID, err)
	}

	return nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, entityType, id string) (*EntityRecord, error) {
	query := `SELECT entity_type, id, payload, version, updated_at, sync_status, priority
			  FROM entities WHERE entity_type = ? AND id = ?`

	row := s.db.QueryRowContext(ctx, query, entityType, id)

	var rec EntityRecord
	var payload []byte
	err := row.Scan(
		&rec.Type,
		&rec.ID,
		&payload,
		&rec.Version,
		&rec.UpdatedAt,
		&rec.SyncStatus,
		&rec.Priority,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	return &rec, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, entityType string) ([]*EntityRecord, error) {
	query := `SELECT entity_type, id, payload, version, updated_at, sync_status, priority
			  FROM entities WHERE entity_type = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*EntityRecord
	for rows.Next() {
		var rec EntityRecord
		var payload []byte
		err := rows.Scan(
			&rec.Type,
			&rec.ID,
			&payload,
			&rec.Version,
			&rec.UpdatedAt,
			&rec.SyncStatus,
			&rec.Priority,
		)
		if err != nil {
			return nil, err
		}
		rec.Payload = payload
		records = append(records, &rec)
	}

	return records, rows.Err()
}

func (s *SQLiteStore) DeleteEntity(ctx context.Context, entityType, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND id = ?`, entityType, id)
	return err
}

func (s *SQLiteStore) PutQueueItem(ctx context.Context, item *QueueItem) error {
	query := `INSERT INTO queue_items (id, method, target_type, target_id, payload, base_version, priority, enqueued_at, not_before, retry_count, max_retries)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT (id) DO UPDATE SET
			  payload = excluded.payload,
			  not_before = excluded.not_before,
			  retry_count = excluded.retry_count`

	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.Method,
		item.TargetType,
		item.TargetID,
		[]byte(item.Payload),
		item.BaseVersion,
		item.Priority,
		item.EnqueuedAt,
		item.NotBefore,
		item.RetryCount,
		item.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to put queue item %s: %w", item.ID, err)
	}

	return nil
}

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	query := `SELECT id, method, target_type, target_id, payload, base_version, priority, enqueued_at, not_before, retry_count, max_retries
			  FROM queue_items WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return item, nil
}

func (s *SQLiteStore) ListQueueItems(ctx context.Context) ([]*QueueItem, error) {
	query := `SELECT id, method, target_type, target_id, payload, base_version, priority, enqueued_at, not_before, retry_count, max_retries
			  FROM queue_items`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var item QueueItem
	var payload []byte
	err := row.Scan(
		&item.ID,
		&item.Method,
		&item.TargetType,
		&item.TargetID,
		&payload,
		&item.BaseVersion,
		&item.Priority,
		&item.EnqueuedAt,
		&item.NotBefore,
		&item.RetryCount,
		&item.MaxRetries,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = payload
	return &item, nil
}

func (s *SQLiteStore) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) CreateConflict(ctx context.Context, c *Conflict) error {
	query := `INSERT INTO conflicts (id, entity_type, entity_id, local_payload, remote_payload, conflict_type, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.EntityType,
		c.EntityID,
		[]byte(c.LocalPayload),
		[]byte(c.RemotePayload),
		c.Type,
		c.DetectedAt,
		c.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict %s: %w", c.ID, err)
	}

	return nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	query := `SELECT id, entity_type, entity_id, local_payload, remote_payload, conflict_type, detected_at, resolved, resolution_strategy, resolved_at, resolved_payload
			  FROM conflicts WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (s *SQLiteStore) GetOpenConflictByEntity(ctx context.Context, entityType, entityID string) (*Conflict, error) {
	query := `SELECT id, entity_type, entity_id, local_payload, remote_payload, conflict_type, detected_at, resolved, resolution_strategy, resolved_at, resolved_payload
			  FROM conflicts WHERE entity_type = ? AND entity_id = ? AND resolved = 0 LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, entityType, entityID)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, resolved bool) ([]*Conflict, error) {
	query := `SELECT id, entity_type, entity_id, local_payload, remote_payload, conflict_type, detected_at, resolved, resolution_strategy, resolved_at, resolved_payload
			  FROM conflicts WHERE resolved = ? ORDER BY detected_at`

	rows, err := s.db.QueryContext(ctx, query, resolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var c Conflict
	var localPayload, remotePayload, resolvedPayload []byte
	err := row.Scan(
		&c.ID,
		&c.EntityType,
		&c.EntityID,
		&localPayload,
		&remotePayload,
		&c.Type,
		&c.DetectedAt,
		&c.Resolved,
		&c.ResolutionStrategy,
		&c.ResolvedAt,
		&resolvedPayload,
	)
	if err != nil {
		return nil, err
	}
	c.LocalPayload = localPayload
	c.RemotePayload = remotePayload
	c.ResolvedPayload = resolvedPayload
	return &c, nil
}

func (s *SQLiteStore) MarkConflictResolved(ctx context.Context, id, strategy string, resolvedPayload []byte) error {
	query := `UPDATE conflicts SET resolved = 1, resolution_strategy = ?, resolved_payload = ?, resolved_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, strategy, resolvedPayload, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}
