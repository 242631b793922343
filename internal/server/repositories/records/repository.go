// Package records stores the documents served to the tills together with
// the global change counter that orders them.
package records

import (
	"context"

	"github.com/dmitrijs2005/posync/internal/server/models"
)

type Repository interface {
	// Get returns the record, tombstones included, or common.ErrorNotFound.
	Get(ctx context.Context, collection, id string) (*models.Record, error)
	// Put inserts or replaces the record.
	Put(ctx context.Context, rec *models.Record) error
	// Changed returns records of the collections written after version
	// since, tombstones included, in version order. No collections means all.
	Changed(ctx context.Context, collections []string, since int64) ([]*models.Record, error)
	// Live returns every record of the collections that is not deleted.
	Live(ctx context.Context, collections []string) ([]*models.Record, error)

	// NextVersion advances the change counter and returns the new value.
	NextVersion(ctx context.Context) (int64, error)
	CurrentVersion(ctx context.Context) (int64, error)
	// NextID allocates a server id.
	NextID(ctx context.Context) (string, error)
}
