package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/dbx"
	"github.com/dmitrijs2005/posync/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `collection, id, data, version, created_version, deleted, updated_at`

func scanRecord(s interface{ Scan(...any) error }) (*models.Record, error) {
	var (
		rec  models.Record
		data []byte
	)
	if err := s.Scan(&rec.Collection, &rec.ID, &data, &rec.Version, &rec.CreatedVersion, &rec.Deleted, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Data = data
	return &rec, nil
}

func (r *PostgresRepository) Get(ctx context.Context, collection, id string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE collection = $1 AND id = $2`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, collection, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) Put(ctx context.Context, rec *models.Record) error {
	query := `
		INSERT INTO records (collection, id, data, version, created_version, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (collection, id)
		DO UPDATE SET
			data = EXCLUDED.data,
			version = EXCLUDED.version,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.Collection, rec.ID, string(rec.Data), rec.Version, rec.CreatedVersion, rec.Deleted, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// collectionFilter renders "AND collection IN ($n, ...)" starting at
// placeholder next.
func collectionFilter(collections []string, next int) (string, []any) {
	if len(collections) == 0 {
		return "", nil
	}
	ph := make([]string, len(collections))
	args := make([]any, len(collections))
	for i, c := range collections {
		ph[i] = "$" + strconv.Itoa(next+i)
		args[i] = c
	}
	return " AND collection IN (" + strings.Join(ph, ", ") + ")", args
}

func (r *PostgresRepository) Changed(ctx context.Context, collections []string, since int64) ([]*models.Record, error) {
	filter, args := collectionFilter(collections, 2)
	query := `SELECT ` + recordColumns + ` FROM records WHERE version > $1` + filter + ` ORDER BY version`
	return r.query(ctx, query, append([]any{since}, args...)...)
}

func (r *PostgresRepository) Live(ctx context.Context, collections []string) ([]*models.Record, error) {
	filter, args := collectionFilter(collections, 1)
	query := `SELECT ` + recordColumns + ` FROM records WHERE NOT deleted` + filter + ` ORDER BY version`
	return r.query(ctx, query, args...)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) NextVersion(ctx context.Context) (int64, error) {
	query := `UPDATE sync_state SET version = version + 1 WHERE id = 1 RETURNING version`

	var v int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&v); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) CurrentVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := r.db.QueryRowContext(ctx, `SELECT version FROM sync_state WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) NextID(ctx context.Context) (string, error) {
	var id int64
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('record_ids')`).Scan(&id); err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}
