package client

import (
	"context"

	"github.com/dmitrijs2005/posync/internal/client/models"
)

type Client interface {
	// Register announces the device and returns the access token issued
	// for it, if any. Repeating it is harmless.
	Register(ctx context.Context, device models.DeviceInfo) (string, error)
	// Ping requests GET /sync/health.
	Ping(ctx context.Context) error
	// Full fetches a full snapshot of the given collections.
	Full(ctx context.Context, entities []string) (*models.SyncResponse, error)
	// Changes fetches deltas since checkpoint. An unrecognized checkpoint
	// yields common.ErrCheckpointInvalid.
	Changes(ctx context.Context, since string, entities []string) (*models.SyncResponse, error)
	// Replay issues one queued intent.
	Replay(ctx context.Context, req models.ReplayRequest) (*models.ReplayResponse, error)
	// Batch issues several intents at once.
	Batch(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error)
}
