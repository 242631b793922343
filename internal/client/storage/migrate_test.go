package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/storage/docstore"
	"github.com/dmitrijs2005/posync/internal/client/storage/sqlite"
)

var (
	dbSeq atomic.Int64
	t0    = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
)

func newSQLite(t *testing.T) *sqlite.Adapter {
	t.Helper()
	a, err := sqlite.Open(context.Background(), fmt.Sprintf("file:posync_migrate_%d?mode=memory", dbSeq.Add(1)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// seedDocstore fills a document store the way a browser session would
// leave it: synced catalog, one offline party and its queued create.
func seedDocstore(t *testing.T) *docstore.Adapter {
	t.Helper()
	ctx := context.Background()
	src := docstore.NewMemory()

	cat := &models.Category{RecordMeta: models.RecordMeta{ID: "c1", UpdatedAt: t0}, Name: "Drinks"}
	cat.MarkSynced(t0)
	require.NoError(t, src.Categories().Create(ctx, cat))

	for _, id := range []string{"p1", "p2"} {
		p := &models.Product{
			RecordMeta: models.RecordMeta{ID: id, UpdatedAt: t0},
			Name:       "Product " + id,
			CategoryID: "c1",
			Price:      decimal.RequireFromString("2.50"),
			Stock:      10,
		}
		p.MarkSynced(t0)
		require.NoError(t, src.Products().Create(ctx, p))
	}

	tmp := models.NewTempID()
	require.NoError(t, src.Parties().Create(ctx, &models.Party{
		RecordMeta: models.RecordMeta{ID: tmp, TempID: tmp, IsOffline: true, UpdatedAt: t0},
		Name:       "Walk-in",
		Kind:       models.PartyCustomer,
	}))
	require.NoError(t, src.SyncQueue().Enqueue(ctx, &models.QueueItem{
		IdempotencyKey: "party_create_1",
		Operation:      models.OperationCreate,
		Entity:         models.EntityParty,
		EntityID:       tmp,
		Endpoint:       "/parties",
		Method:         "POST",
		Payload:        []byte(`{"name":"Walk-in","kind":"customer"}`),
		CreatedAt:      t0,
	}))
	require.NoError(t, src.Metadata().Set(ctx, storage.KeyCheckpoint, []byte("T1")))
	return src
}

// failingAdapter fails the n-th transaction.
type failingAdapter struct {
	storage.Adapter
	calls  int
	failAt int
}

var errCrash = errors.New("crash")

func (f *failingAdapter) WithTx(ctx context.Context, fn func(ctx context.Context, r storage.Repositories) error) error {
	f.calls++
	if f.calls == f.failAt {
		return f.Adapter.WithTx(ctx, func(ctx context.Context, r storage.Repositories) error {
			if err := fn(ctx, r); err != nil {
				return err
			}
			return errCrash
		})
	}
	return f.Adapter.WithTx(ctx, fn)
}

func assertMigrated(t *testing.T, dst storage.Adapter) {
	t.Helper()
	ctx := context.Background()

	n, err := dst.Products().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := dst.Products().GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("2.50")))
	assert.True(t, p.IsSynced)

	offline, err := dst.Parties().GetOffline(ctx)
	require.NoError(t, err)
	require.Len(t, offline, 1)

	pending, err := dst.SyncQueue().GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, offline[0].ID, pending[0].EntityID)
	assert.Equal(t, "party_create_1", pending[0].IdempotencyKey)

	cp, err := dst.Metadata().Get(ctx, storage.KeyCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, "T1", string(cp))
}

func TestMigrate_CopiesEverything(t *testing.T) {
	ctx := context.Background()
	src := seedDocstore(t)
	dst := newSQLite(t)

	rep, err := storage.Migrate(ctx, src, dst)
	require.NoError(t, err)
	assert.False(t, rep.AlreadyDone)
	assert.Equal(t, 2, rep.Copied[models.CollectionProducts])
	assert.Equal(t, 1, rep.Copied[storage.StepQueue])
	assert.Equal(t, 1, rep.Copied[storage.StepMetadata])
	assertMigrated(t, dst)

	progress, err := storage.LoadMigrationProgress(ctx, dst)
	require.NoError(t, err)
	assert.True(t, progress.Completed)
	assert.Equal(t, storage.MigrationSteps(), progress.Done)

	rep, err = storage.Migrate(ctx, src, dst)
	require.NoError(t, err)
	assert.True(t, rep.AlreadyDone)
}

func TestMigrate_ResumesAfterInterruption(t *testing.T) {
	ctx := context.Background()
	src := seedDocstore(t)
	dst := newSQLite(t)

	// Steps: categories, products, parties, ... The parties step crashes.
	crashing := &failingAdapter{Adapter: dst, failAt: 3}
	_, err := storage.Migrate(ctx, src, crashing)
	require.ErrorIs(t, err, errCrash)

	progress, err := storage.LoadMigrationProgress(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{models.CollectionCategories, models.CollectionProducts}, progress.Done)
	assert.False(t, progress.Completed)

	n, err := dst.Parties().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the crashed step must roll back")

	rep, err := storage.Migrate(ctx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{models.CollectionCategories, models.CollectionProducts}, rep.Skipped)
	assert.NotContains(t, rep.Copied, models.CollectionProducts)
	assertMigrated(t, dst)
}

func TestMigrate_RepeatedStepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := seedDocstore(t)
	dst := newSQLite(t)

	require.NoError(t, dst.WithTx(ctx, func(ctx context.Context, r storage.Repositories) error {
		docs, err := storage.Collections(src)[models.CollectionProducts].Export(ctx)
		if err != nil {
			return err
		}
		return storage.Collections(r)[models.CollectionProducts].Import(ctx, docs)
	}))

	_, err := storage.Migrate(ctx, src, dst)
	require.NoError(t, err)
	assertMigrated(t, dst)
}

func TestIsEmpty(t *testing.T) {
	ctx := context.Background()

	empty, err := storage.IsEmpty(ctx, docstore.NewMemory())
	require.NoError(t, err)
	assert.True(t, empty)

	empty, err = storage.IsEmpty(ctx, seedDocstore(t))
	require.NoError(t, err)
	assert.False(t, empty)
}
