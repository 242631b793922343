package devices

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

func (r *PostgresRepository) Upsert(ctx context.Context, d *models.Device) (bool, error) {
	// xmax is 0 only for a freshly inserted row.
	query := `
		INSERT INTO devices (id, name, platform, app_version, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			platform = EXCLUDED.platform,
			app_version = EXCLUDED.app_version,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING registered_at, (xmax = 0) AS inserted
	`
	var inserted bool
	err := r.db.QueryRowContext(ctx, query, d.ID, d.Name, d.Platform, d.AppVersion, d.LastSeenAt.UTC()).
		Scan(&d.RegisteredAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return inserted, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT id, name, platform, app_version, registered_at, last_seen_at FROM devices WHERE id = $1`

	d := &models.Device{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.Name, &d.Platform, &d.AppVersion, &d.RegisteredAt, &d.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}
