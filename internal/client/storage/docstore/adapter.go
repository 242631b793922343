// Package docstore is the document storage engine: JSON documents kept on a
// docdb backend (process memory or Redis).
package docstore

import (
	"context"

	"github.com/dmitrijs2005/posync/internal/client/docdb"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/posync/internal/client/repositories/queue"
	"github.com/dmitrijs2005/posync/internal/client/repositories/records"
	"github.com/dmitrijs2005/posync/internal/client/storage"
)

var _ storage.Adapter = (*Adapter)(nil)

type repositories struct {
	products         *records.DocRepository[*models.Product]
	categories       *records.DocRepository[*models.Category]
	parties          *records.DocRepository[*models.Party]
	sales            *records.DocRepository[*models.Sale]
	stockAdjustments *records.DocRepository[*models.StockAdjustment]
	queue            *queue.DocRepository
	metadata         *metadata.DocRepository
}

func newRepositories(sess docdb.Session) *repositories {
	return &repositories{
		products:         records.NewDocRepository(sess, models.CollectionProducts, func() *models.Product { return &models.Product{} }),
		categories:       records.NewDocRepository(sess, models.CollectionCategories, func() *models.Category { return &models.Category{} }),
		parties:          records.NewDocRepository(sess, models.CollectionParties, func() *models.Party { return &models.Party{} }),
		sales:            records.NewDocRepository(sess, models.CollectionSales, func() *models.Sale { return &models.Sale{} }),
		stockAdjustments: records.NewDocRepository(sess, models.CollectionStockAdjustments, func() *models.StockAdjustment { return &models.StockAdjustment{} }),
		queue:            queue.NewDocRepository(sess),
		metadata:         metadata.NewDocRepository(sess),
	}
}

func (r *repositories) Products() storage.EntityRepository[*models.Product] { return r.products }
func (r *repositories) Categories() storage.EntityRepository[*models.Category] {
	return r.categories
}
func (r *repositories) Parties() storage.EntityRepository[*models.Party] { return r.parties }
func (r *repositories) Sales() storage.EntityRepository[*models.Sale]    { return r.sales }
func (r *repositories) StockAdjustments() storage.EntityRepository[*models.StockAdjustment] {
	return r.stockAdjustments
}
func (r *repositories) SyncQueue() storage.QueueRepository   { return r.queue }
func (r *repositories) Metadata() storage.MetadataRepository { return r.metadata }

// Adapter implements storage.Adapter on a docdb.Store.
type Adapter struct {
	*repositories
	store *docdb.Store
}

func New(b docdb.Backend) *Adapter {
	s := docdb.NewStore(b)
	return &Adapter{repositories: newRepositories(s.Session()), store: s}
}

// NewMemory returns an adapter over a fresh in-memory backend.
func NewMemory() *Adapter {
	return New(docdb.NewMemoryBackend())
}

func (a *Adapter) Engine() storage.Engine { return storage.EngineDocstore }

func (a *Adapter) WithTx(ctx context.Context, fn func(ctx context.Context, r storage.Repositories) error) error {
	return a.store.WithTx(ctx, func(ctx context.Context, sess docdb.Session) error {
		return fn(ctx, newRepositories(sess))
	})
}

func (a *Adapter) Close() error {
	return a.store.Close()
}
