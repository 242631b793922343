// Package sqlite is the embedded relational storage engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/posync/internal/client/repositories/queue"
	"github.com/dmitrijs2005/posync/internal/client/repositories/records"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/storage/sqlite/migrations"
	"github.com/dmitrijs2005/posync/internal/dbx"

	_ "modernc.org/sqlite"
)

var _ storage.Adapter = (*Adapter)(nil)

// Table names per collection.
var tables = map[string]string{
	models.CollectionProducts:         "products",
	models.CollectionCategories:       "categories",
	models.CollectionParties:          "parties",
	models.CollectionSales:            "sales",
	models.CollectionStockAdjustments: "stock_adjustments",
}

type repositories struct {
	products         *records.SQLiteRepository[*models.Product]
	categories       *records.SQLiteRepository[*models.Category]
	parties          *records.SQLiteRepository[*models.Party]
	sales            *records.SQLiteRepository[*models.Sale]
	stockAdjustments *records.SQLiteRepository[*models.StockAdjustment]
	queue            *queue.SQLiteRepository
	metadata         *metadata.SQLiteRepository
}

func newRepositories(db dbx.DBTX) *repositories {
	return &repositories{
		products:         records.NewSQLiteRepository(db, tables[models.CollectionProducts], func() *models.Product { return &models.Product{} }),
		categories:       records.NewSQLiteRepository(db, tables[models.CollectionCategories], func() *models.Category { return &models.Category{} }),
		parties:          records.NewSQLiteRepository(db, tables[models.CollectionParties], func() *models.Party { return &models.Party{} }),
		sales:            records.NewSQLiteRepository(db, tables[models.CollectionSales], func() *models.Sale { return &models.Sale{} }),
		stockAdjustments: records.NewSQLiteRepository(db, tables[models.CollectionStockAdjustments], func() *models.StockAdjustment { return &models.StockAdjustment{} }),
		queue:            queue.NewSQLiteRepository(db),
		metadata:         metadata.NewSQLiteRepository(db),
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

// Adapter implements storage.Adapter on SQLite.
type Adapter struct {
	*repositories
	db *sql.DB
}

// gooseMu guards goose's package level configuration.
var gooseMu sync.Mutex

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Open opens (creating if needed) the database at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Adapter, error) {
	db, err := dbx.OpenSQLite(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Adapter {
	return &Adapter{repositories: newRepositories(db), db: db}
}

func (a *Adapter) Engine() storage.Engine { return storage.EngineSQLite }

func (a *Adapter) WithTx(ctx context.Context, fn func(ctx context.Context, r storage.Repositories) error) error {
	return dbx.WithTx(ctx, a.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, newRepositories(tx))
	})
}

func (a *Adapter) Close() error {
	return a.db.Close()
}
