// Package idempotency remembers the answers given to keyed writes.
package idempotency

import (
	"context"

	"github.com/dmitrijs2005/posync/internal/server/models"
)

type Repository interface {
	// Get returns the stored entry or common.ErrorNotFound.
	Get(ctx context.Context, key string) (*models.IdempotencyEntry, error)
	Save(ctx context.Context, e *models.IdempotencyEntry) error
}
