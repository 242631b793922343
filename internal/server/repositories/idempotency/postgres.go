package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/dbx"
	"github.com/dmitrijs2005/posync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	query := `SELECT key, status_code, body, created_at FROM idempotency_keys WHERE key = $1`

	var (
		e    models.IdempotencyEntry
		body sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, key).Scan(&e.Key, &e.StatusCode, &body, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if body.Valid {
		e.Body = []byte(body.String)
	}
	return &e, nil
}

func (r *PostgresRepository) Save(ctx context.Context, e *models.IdempotencyEntry) error {
	query := `
		INSERT INTO idempotency_keys (key, status_code, body, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`
	body := sql.NullString{String: string(e.Body), Valid: len(e.Body) > 0}
	if _, err := r.db.ExecContext(ctx, query, e.Key, e.StatusCode, body, e.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
