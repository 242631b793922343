// Package queue implements the durable operation queue for both storage
// engines.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/dbx"
)

var _ storage.QueueRepository = (*SQLiteRepository)(nil)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `SELECT id, idempotency_key, operation, entity, entity_id, endpoint, method, payload,
	status, attempts, max_attempts, error, resolution, forced, server_data,
	created_at, last_attempt_at, completed_at FROM sync_queue`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*models.QueueItem, error) {
	var (
		item                           models.QueueItem
		payload, serverData            []byte
		errMsg, resolution             sql.NullString
		created, lastAttempt, complete sql.NullString
		force                          int
	)
	err := row.Scan(&item.ID, &item.IdempotencyKey, &item.Operation, &item.Entity, &item.EntityID,
		&item.Endpoint, &item.Method, &payload, &item.Status, &item.Attempts, &item.MaxAttempts,
		&errMsg, &resolution, &force, &serverData, &created, &lastAttempt, &complete)
	if err != nil {
		return nil, err
	}

	item.Payload = payload
	item.ServerData = serverData
	item.Error = errMsg.String
	item.Resolution = resolution.String
	item.Force = force == 1

	createdAt, err := dbx.ParseTime(created)
	if err != nil {
		return nil, fmt.Errorf("created_at of item %d: %w", item.ID, err)
	}
	if createdAt != nil {
		item.CreatedAt = *createdAt
	}
	if item.LastAttemptAt, err = dbx.ParseTime(lastAttempt); err != nil {
		return nil, fmt.Errorf("last_attempt_at of item %d: %w", item.ID, err)
	}
	if item.CompletedAt, err = dbx.ParseTime(complete); err != nil {
		return nil, fmt.Errorf("completed_at of item %d: %w", item.ID, err)
	}
	return &item, nil
}

func (r *SQLiteRepository) query(ctx context.Context, op string, where string, args ...any) ([]*models.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+" "+where, args...)
	if err != nil {
		return nil, common.WrapStorage(op, err)
	}
	defer rows.Close()

	items := []*models.QueueItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, common.WrapStorage(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapStorage(op, err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *SQLiteRepository) Enqueue(ctx context.Context, item *models.QueueItem) error {
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = models.DefaultMaxAttempts
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `INSERT INTO sync_queue
		(idempotency_key, operation, entity, entity_id, endpoint, method, payload, status,
		 attempts, max_attempts, error, resolution, forced, server_data, created_at, last_attempt_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		item.IdempotencyKey, item.Operation, item.Entity, item.EntityID, item.Endpoint, item.Method,
		[]byte(item.Payload), item.Status, item.Attempts, item.MaxAttempts, item.Error, item.Resolution,
		boolInt(item.Force), []byte(item.ServerData), dbx.FormatTime(&item.CreatedAt), dbx.FormatTime(item.LastAttemptAt),
		dbx.FormatTime(item.CompletedAt),
	).Scan(&id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateIntent, item.IdempotencyKey)
	}
	if err != nil {
		return common.WrapStorage("enqueue", err)
	}
	item.ID = id
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *SQLiteRepository) Put(ctx context.Context, item *models.QueueItem) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO sync_queue
		(id, idempotency_key, operation, entity, entity_id, endpoint, method, payload, status,
		 attempts, max_attempts, error, resolution, forced, server_data, created_at, last_attempt_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, attempts = excluded.attempts, error = excluded.error,
			resolution = excluded.resolution, forced = excluded.forced, server_data = excluded.server_data,
			entity_id = excluded.entity_id, endpoint = excluded.endpoint, payload = excluded.payload,
			last_attempt_at = excluded.last_attempt_at, completed_at = excluded.completed_at`,
		item.ID, item.IdempotencyKey, item.Operation, item.Entity, item.EntityID, item.Endpoint, item.Method,
		[]byte(item.Payload), item.Status, item.Attempts, item.MaxAttempts, item.Error, item.Resolution,
		boolInt(item.Force), []byte(item.ServerData), dbx.FormatTime(&item.CreatedAt), dbx.FormatTime(item.LastAttemptAt),
		dbx.FormatTime(item.CompletedAt),
	)
	return common.WrapStorage(fmt.Sprintf("put queue item %d", item.ID), err)
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*models.QueueItem, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %d: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, common.WrapStorage(fmt.Sprintf("get queue item %d", id), err)
	}
	return item, nil
}

func (r *SQLiteRepository) GetPending(ctx context.Context) ([]*models.QueueItem, error) {
	return r.ListByStatus(ctx, models.StatusPending)
}

func (r *SQLiteRepository) ListActive(ctx context.Context) ([]*models.QueueItem, error) {
	return r.query(ctx, "list active queue items", `WHERE status <> ? ORDER BY id`, models.StatusCompleted)
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueItem, error) {
	return r.query(ctx, "list queue items", `WHERE status = ? ORDER BY id`, status)
}

func (r *SQLiteRepository) ListByEntity(ctx context.Context, entity models.Entity, entityID string) ([]*models.QueueItem, error) {
	return r.query(ctx, "list queue items by entity", `WHERE entity = ? AND entity_id = ? ORDER BY id`, entity, entityID)
}

func (r *SQLiteRepository) Update(ctx context.Context, item *models.QueueItem) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET
		entity_id = ?, endpoint = ?, payload = ?, status = ?, attempts = ?, max_attempts = ?,
		error = ?, resolution = ?, forced = ?, server_data = ?, last_attempt_at = ?, completed_at = ?
		WHERE id = ?`,
		item.EntityID, item.Endpoint, []byte(item.Payload), item.Status, item.Attempts, item.MaxAttempts,
		item.Error, item.Resolution, boolInt(item.Force), []byte(item.ServerData),
		dbx.FormatTime(item.LastAttemptAt), dbx.FormatTime(item.CompletedAt), item.ID)
	if err != nil {
		return common.WrapStorage(fmt.Sprintf("update queue item %d", item.ID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return common.WrapStorage(fmt.Sprintf("update queue item %d", item.ID), err)
	}
	if n == 0 {
		return fmt.Errorf("queue item %d: %w", item.ID, common.ErrorNotFound)
	}
	return nil
}

func (r *SQLiteRepository) ClaimPending(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET status = ?, last_attempt_at = ?
		WHERE id = ? AND status = ?`, models.StatusProcessing, dbx.FormatTime(&at), id, models.StatusPending)
	if err != nil {
		return false, common.WrapStorage(fmt.Sprintf("claim queue item %d", id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, common.WrapStorage(fmt.Sprintf("claim queue item %d", id), err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *SQLiteRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET status = ?
		WHERE status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		models.StatusPending, models.StatusProcessing, dbx.FormatTime(&cutoff))
	if err != nil {
		return 0, common.WrapStorage("reclaim stale queue items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, common.WrapStorage("reclaim stale queue items", err)
	}
	return int(n), nil
}

func (r *SQLiteRepository) HasActive(ctx context.Context, entity models.Entity, entityID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue
		WHERE entity = ? AND entity_id = ? AND status <> ?`, entity, entityID, models.StatusCompleted).Scan(&n)
	if err != nil {
		return false, common.WrapStorage("count active queue items", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return stats, common.WrapStorage("queue stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, common.WrapStorage("queue stats", err)
		}
		stats.Add(status, n)
	}
	if err := rows.Err(); err != nil {
		return stats, common.WrapStorage("queue stats", err)
	}
	return stats, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return common.WrapStorage(fmt.Sprintf("delete queue item %d", id), err)
}

func (r *SQLiteRepository) DeleteCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = ? AND completed_at < ?`,
		models.StatusCompleted, dbx.FormatTime(&cutoff))
	if err != nil {
		return 0, common.WrapStorage("prune completed queue items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, common.WrapStorage("prune completed queue items", err)
	}
	return int(n), nil
}
