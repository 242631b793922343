package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/dbx"
)

// SQLiteRepository stores records of one collection in table.
type SQLiteRepository[T models.Record] struct {
	db     dbx.DBTX
	table  string
	newRec func() T
}

func NewSQLiteRepository[T models.Record](db dbx.DBTX, table string, newRec func() T) *SQLiteRepository[T] {
	return &SQLiteRepository[T]{db: db, table: table, newRec: newRec}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *SQLiteRepository[T]) args(rec T) ([]any, error) {
	m := rec.Meta()
	if m.ID == "" {
		return nil, fmt.Errorf("%s: %w: empty id", r.table, models.ErrInvalidRecord)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", r.table, m.ID, err)
	}
	return []any{
		m.ID, m.TempID, m.ServerID, boolInt(m.IsOffline), boolInt(m.IsSynced),
		dbx.FormatTime(&m.UpdatedAt), dbx.FormatTime(m.LastSyncedAt), data,
	}, nil
}

func (r *SQLiteRepository[T]) scanAll(rows *sql.Rows) ([]T, error) {
	defer rows.Close()

	result := []T{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, common.WrapStorage("scan "+r.table, err)
		}
		rec := r.newRec()
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, common.WrapStorage("decode "+r.table, err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapStorage("iterate "+r.table, err)
	}
	return result, nil
}

func (r *SQLiteRepository[T]) GetAll(ctx context.Context) ([]T, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM `+r.table+` ORDER BY id`)
	if err != nil {
		return nil, common.WrapStorage("select "+r.table, err)
	}
	return r.scanAll(rows)
}

func (r *SQLiteRepository[T]) GetByID(ctx context.Context, id string) (T, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM `+r.table+` WHERE id = ?`, id).Scan(&data)

	var zero T
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%s %s: %w", r.table, id, common.ErrorNotFound)
	}
	if err != nil {
		return zero, common.WrapStorage(fmt.Sprintf("get %s %s", r.table, id), err)
	}

	rec := r.newRec()
	if err := json.Unmarshal(data, rec); err != nil {
		return zero, common.WrapStorage(fmt.Sprintf("decode %s %s", r.table, id), err)
	}
	return rec, nil
}

const columns = `(id, temp_id, server_id, is_offline, is_synced, updated_at, last_synced_at, data)`

func (r *SQLiteRepository[T]) Create(ctx context.Context, rec T) error {
	args, err := r.args(rec)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO `+r.table+` `+columns+`
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, args...)
	if err != nil {
		return common.WrapStorage("insert "+r.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return common.WrapStorage("insert "+r.table, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", r.table, rec.Meta().ID, common.ErrAlreadyExists)
	}
	return nil
}

func (r *SQLiteRepository[T]) Update(ctx context.Context, rec T) error {
	args, err := r.args(rec)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE `+r.table+`
		SET temp_id = ?, server_id = ?, is_offline = ?, is_synced = ?, updated_at = ?, last_synced_at = ?, data = ?
		WHERE id = ?`, append(args[1:], args[0])...)
	if err != nil {
		return common.WrapStorage("update "+r.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return common.WrapStorage("update "+r.table, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", r.table, rec.Meta().ID, common.ErrorNotFound)
	}
	return nil
}

func (r *SQLiteRepository[T]) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM `+r.table+` WHERE id = ?`, id)
	return common.WrapStorage(fmt.Sprintf("delete %s %s", r.table, id), err)
}

// BulkUpsert writes recs keyed by id. Callers wanting atomicity run it
// inside a transaction.
func (r *SQLiteRepository[T]) BulkUpsert(ctx context.Context, recs []T) error {
	query := `INSERT INTO ` + r.table + ` ` + columns + `
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			temp_id = excluded.temp_id,
			server_id = excluded.server_id,
			is_offline = excluded.is_offline,
			is_synced = excluded.is_synced,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at,
			data = excluded.data`

	for _, rec := range recs {
		args, err := r.args(rec)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return common.WrapStorage(fmt.Sprintf("upsert %s %s", r.table, rec.Meta().ID), err)
		}
	}
	return nil
}

func (r *SQLiteRepository[T]) GetOffline(ctx context.Context) ([]T, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM `+r.table+` WHERE is_offline = 1 AND is_synced = 0 ORDER BY id`)
	if err != nil {
		return nil, common.WrapStorage("select offline "+r.table, err)
	}
	return r.scanAll(rows)
}

func (r *SQLiteRepository[T]) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+r.table).Scan(&n); err != nil {
		return 0, common.WrapStorage("count "+r.table, err)
	}
	return n, nil
}
