// Package devices keeps the registered tills.
package devices

import (
	"context"

	"github.com/dmitrijs2005/posync/internal/server/models"
)

type Repository interface {
	// Upsert registers d or refreshes its descriptive fields and reports
	// whether the device is new.
	Upsert(ctx context.Context, d *models.Device) (bool, error)
	Get(ctx context.Context, id string) (*models.Device, error)
}
