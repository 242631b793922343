package storage

import (
	"context"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/models"
)

// Engine names a concrete storage implementation.
type Engine string

const (
	EngineAuto     Engine = "auto"
	EngineSQLite   Engine = "sqlite"
	EngineDocstore Engine = "docstore"
)

// EntityRepository is the read-model repository every collection exposes.
// T is a pointer to a models type embedding models.RecordMeta.
type EntityRepository[T models.Record] interface {
	GetAll(ctx context.Context) ([]T, error)
	// GetByID returns common.ErrorNotFound when the record does not exist.
	GetByID(ctx context.Context, id string) (T, error)
	// Create returns common.ErrAlreadyExists on a duplicate id.
	Create(ctx context.Context, rec T) error
	// Update returns common.ErrorNotFound when the record does not exist.
	Update(ctx context.Context, rec T) error
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	BulkUpsert(ctx context.Context, recs []T) error
	// GetOffline returns records created offline and not yet synced.
	GetOffline(ctx context.Context) ([]T, error)
	Count(ctx context.Context) (int, error)
}

// QueueRepository is the durable operation queue.
type QueueRepository interface {
	// Enqueue stores item in pending state and assigns its ID.
	// A second item with the same idempotency key is rejected with
	// ErrDuplicateIntent.
	Enqueue(ctx context.Context, item *models.QueueItem) error
	GetByID(ctx context.Context, id int64) (*models.QueueItem, error)
	// GetPending returns pending items ordered by ID.
	GetPending(ctx context.Context) ([]*models.QueueItem, error)
	// ListActive returns every non-completed item ordered by ID.
	ListActive(ctx context.Context) ([]*models.QueueItem, error)
	ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueItem, error)
	ListByEntity(ctx context.Context, entity models.Entity, entityID string) ([]*models.QueueItem, error)
	// Update persists every mutable field of item.
	Update(ctx context.Context, item *models.QueueItem) error
	// ClaimPending moves item id from pending to processing. It reports false
	// when the item is no longer pending.
	ClaimPending(ctx context.Context, id int64, at time.Time) (bool, error)
	// ReclaimStale moves processing items last attempted before cutoff back
	// to pending.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)
	// HasActive reports whether a non-completed item targets the record.
	HasActive(ctx context.Context, entity models.Entity, entityID string) (bool, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	Delete(ctx context.Context, id int64) error
	// DeleteCompleted prunes completed items finished before cutoff.
	DeleteCompleted(ctx context.Context, cutoff time.Time) (int, error)
	// Put stores item as-is, keeping its ID. Used by migration.
	Put(ctx context.Context, item *models.QueueItem) error
}

// MetadataRepository is a small key/value store for checkpoints and device
// state. Get returns (nil, nil) for a missing key.
type MetadataRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}

// Repositories groups the repositories of one storage session.
type Repositories interface {
	Products() EntityRepository[*models.Product]
	Categories() EntityRepository[*models.Category]
	Parties() EntityRepository[*models.Party]
	Sales() EntityRepository[*models.Sale]
	StockAdjustments() EntityRepository[*models.StockAdjustment]
	SyncQueue() QueueRepository
	Metadata() MetadataRepository
}

// Adapter is the storage abstraction consumed by the rest of the engine.
// Callers never branch on Engine.
type Adapter interface {
	Repositories
	Engine() Engine
	// WithTx runs fn atomically. fn must only use the Repositories passed
	// to it.
	WithTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
	Close() error
}

// Metadata keys.
const (
	KeyCheckpoint        = "sync.checkpoint"
	KeyLastSyncAt        = "sync.last_sync_at"
	KeyDeviceID          = "device.id"
	KeyDeviceRegistered  = "device.registered"
	KeyDeviceToken       = "device.token"
	KeyMigrationProgress = "migration.docstore"
)
