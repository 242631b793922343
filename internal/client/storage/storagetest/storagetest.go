// Package storagetest holds the conformance suite every storage.Adapter
// implementation must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"
)

// Factory returns a fresh, empty adapter.
type Factory func(t *testing.T) storage.Adapter

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// Run executes the whole suite against adapters built by newAdapter.
func Run(t *testing.T, newAdapter Factory) {
	tests := map[string]func(t *testing.T, a storage.Adapter){
		"EntityCRUD":              testEntityCRUD,
		"BulkUpsertIdempotent":    testBulkUpsertIdempotent,
		"GetOffline":              testGetOffline,
		"QueueEnqueueAndOrder":    testQueueEnqueueAndOrder,
		"QueueDuplicateIntent":    testQueueDuplicateIntent,
		"QueueClaimIsExclusive":   testQueueClaimIsExclusive,
		"QueueReclaimStale":       testQueueReclaimStale,
		"QueueStatsAndActive":     testQueueStatsAndActive,
		"QueuePruneAndDelete":     testQueuePruneAndDelete,
		"Metadata":                testMetadata,
		"WithTxRollsBack":         testWithTxRollsBack,
		"CollectionsUpsertSkip":   testCollectionsUpsertSkip,
		"CollectionsReconcile":    testCollectionsReconcile,
		"CollectionsApplyVersion": testCollectionsApplyVersion,
		"CollectionsExportImport": testCollectionsExportImport,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			a := newAdapter(t)
			t.Cleanup(func() { _ = a.Close() })
			fn(t, a)
		})
	}
}

func product(id, name string) *models.Product {
	return &models.Product{
		RecordMeta: models.RecordMeta{ID: id, UpdatedAt: base},
		Name:       name,
		SKU:        "SKU-" + id,
		Price:      decimal.RequireFromString("9.99"),
		Stock:      10,
	}
}

func queueItem(key string, e models.Entity, entityID string) *models.QueueItem {
	return &models.QueueItem{
		IdempotencyKey: key,
		Operation:      models.OperationCreate,
		Entity:         e,
		EntityID:       entityID,
		Endpoint:       "/sales",
		Method:         "POST",
		Payload:        json.RawMessage(`{"id":"` + entityID + `"}`),
		CreatedAt:      base,
	}
}

func testEntityCRUD(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	repo := a.Products()

	require.NoError(t, repo.Create(ctx, product("P1", "Tea")))
	err := repo.Create(ctx, product("P1", "Tea again"))
	require.ErrorIs(t, err, common.ErrAlreadyExists)

	got, err := repo.GetByID(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Tea", got.Name)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("9.99")))

	got.Name = "Green tea"
	require.NoError(t, repo.Update(ctx, got))
	got, err = repo.GetByID(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Green tea", got.Name)

	err = repo.Update(ctx, product("P404", "none"))
	require.ErrorIs(t, err, common.ErrorNotFound)

	_, err = repo.GetByID(ctx, "P404")
	require.ErrorIs(t, err, common.ErrorNotFound)

	require.NoError(t, repo.Create(ctx, product("P0", "Coffee")))
	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "P0", all[0].ID)

	require.NoError(t, repo.Delete(ctx, "P1"))
	require.NoError(t, repo.Delete(ctx, "P1"))
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testBulkUpsertIdempotent(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	cats := []*models.Category{
		{RecordMeta: models.RecordMeta{ID: "C1"}, Name: "Drinks"},
		{RecordMeta: models.RecordMeta{ID: "C2"}, Name: "Food"},
	}
	require.NoError(t, a.Categories().BulkUpsert(ctx, cats))
	require.NoError(t, a.Categories().BulkUpsert(ctx, cats))

	cats[0].Name = "Beverages"
	require.NoError(t, a.Categories().BulkUpsert(ctx, cats[:1]))

	all, err := a.Categories().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Beverages", all[0].Name)
}

func testGetOffline(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	offline := &models.Sale{RecordMeta: models.RecordMeta{ID: models.NewTempID(), IsOffline: true, UpdatedAt: base}}
	synced := &models.Sale{RecordMeta: models.RecordMeta{ID: "S1", IsSynced: true, UpdatedAt: base}}
	require.NoError(t, a.Sales().Create(ctx, offline))
	require.NoError(t, a.Sales().Create(ctx, synced))

	got, err := a.Sales().GetOffline(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, offline.ID, got[0].ID)
}

func testQueueEnqueueAndOrder(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	q := a.SyncQueue()

	first := queueItem("k1", models.EntitySale, "s1")
	second := queueItem("k2", models.EntityStockAdjustment, "a1")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	assert.Greater(t, second.ID, first.ID, "ids are monotonically increasing")
	assert.Equal(t, models.StatusPending, first.Status)
	assert.Equal(t, models.DefaultMaxAttempts, first.MaxAttempts)

	pending, err := q.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, []int64{first.ID, second.ID}, []int64{pending[0].ID, pending[1].ID})
	assert.JSONEq(t, `{"id":"s1"}`, string(pending[0].Payload))
	assert.True(t, pending[0].CreatedAt.Equal(base))

	got, err := q.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntityStockAdjustment, got.Entity)

	_, err = q.GetByID(ctx, 999)
	require.ErrorIs(t, err, common.ErrorNotFound)

	byEntity, err := q.ListByEntity(ctx, models.EntitySale, "s1")
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
}

func testQueueDuplicateIntent(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	q := a.SyncQueue()

	require.NoError(t, q.Enqueue(ctx, queueItem("same", models.EntitySale, "s1")))
	err := q.Enqueue(ctx, queueItem("same", models.EntitySale, "s1"))
	require.ErrorIs(t, err, storage.ErrDuplicateIntent)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func testQueueClaimIsExclusive(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	q := a.SyncQueue()
	item := queueItem("k", models.EntitySale, "s1")
	require.NoError(t, q.Enqueue(ctx, item))

	ok, err := q.ClaimPending(ctx, item.ID, base)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.ClaimPending(ctx, item.ID, base)
	require.NoError(t, err)
	require.False(t, ok, "a processing item cannot be claimed twice")

	got, err := q.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, got.LastAttemptAt.Equal(base))

	_, err = q.ClaimPending(ctx, 12345, base)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func testQueueReclaimStale(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	q := a.SyncQueue()

	stale := queueItem("stale", models.EntitySale, "s1")
	fresh := queueItem("fresh", models.EntitySale, "s2")
	require.NoError(t, q.Enqueue(ctx, stale))
	require.NoError(t, q.Enqueue(ctx, fresh))

	_, err := q.ClaimPending(ctx, stale.ID, base)
	require.NoError(t, err)
	_, err = q.ClaimPending(ctx, fresh.ID, base.Add(10*time.Minute))
	require.NoError(t, err)

	n, err := q.ReclaimStale(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	got, err = q.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

func testQueueStatsAndActive(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	q := a.SyncQueue()

	items := []*models.QueueItem{
		queueItem("a", models.EntitySale, "s1"),
		queueItem("b", models.EntitySale, "s2"),
		queueItem("c", models.EntityParty, "p1"),
		queueItem("d", models.EntityParty, "p2"),
	}
	for _, it := range items {
		require.NoError(t, q.Enqueue(ctx, it))
	}

	items[0].Status = models.StatusCompleted
	items[0].CompletedAt = &base
	items[1].Status = models.StatusFailed
	items[1].Error = "boom"
	items[2].Status = models.StatusConflict
	items[2].ServerData = json.RawMessage(`{"id":"p1"}`)
	for _, it := range items[:3] {
		require.NoError(t, q.Update(ctx, it))
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Pending: 1, Completed: 1, Failed: 1, Conflict: 1}, stats)

	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	has, err := q.HasActive(ctx, models.EntitySale, "s1")
	require.NoError(t, err)
	assert.False(t, has, "completed items do not own the record")

	has, err = q.HasActive(ctx, models.EntityParty, "p1")
	require.NoError(t, err)
	assert.True(t, has)

	failed, err := q.ListByStatus(ctx, models.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)

	conflicts, err := q.ListByStatus(ctx, models.StatusConflict)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.JSONEq(t, `{"id":"p1"}`, string(conflicts[0].ServerData))

	missing := queueItem("zzz", models.EntitySale, "x")
	missing.ID = 999
	require.ErrorIs(t, q.Update(ctx, missing), common.ErrorNotFound)
}

func testQueuePruneAndDelete(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	q := a.SyncQueue()

	old := queueItem("old", models.EntitySale, "s1")
	recent := queueItem("recent", models.EntitySale, "s2")
	keep := queueItem("keep", models.EntitySale, "s3")
	for _, it := range []*models.QueueItem{old, recent, keep} {
		require.NoError(t, q.Enqueue(ctx, it))
	}
	oldAt := base.Add(-48 * time.Hour)
	old.Status, old.CompletedAt = models.StatusCompleted, &oldAt
	recent.Status, recent.CompletedAt = models.StatusCompleted, &base
	require.NoError(t, q.Update(ctx, old))
	require.NoError(t, q.Update(ctx, recent))

	n, err := q.DeleteCompleted(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Delete(ctx, keep.ID))
	require.NoError(t, q.Delete(ctx, keep.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Completed: 1}, stats)

	// The idempotency key of a deleted item can be queued again.
	require.NoError(t, q.Enqueue(ctx, queueItem("keep", models.EntitySale, "s3")))
}

func testMetadata(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	m := a.Metadata()

	v, err := m.Get(ctx, storage.KeyCheckpoint)
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, m.Set(ctx, storage.KeyCheckpoint, []byte("T1")))
	v, err = m.Get(ctx, storage.KeyCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, []byte("T1"), v)

	require.NoError(t, m.Delete(ctx, storage.KeyCheckpoint))
	v, err = m.Get(ctx, storage.KeyCheckpoint)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func testWithTxRollsBack(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := a.WithTx(ctx, func(ctx context.Context, r storage.Repositories) error {
		require.NoError(t, r.Products().Create(ctx, product("P1", "Tea")))
		require.NoError(t, r.Metadata().Set(ctx, storage.KeyCheckpoint, []byte("T9")))

		got, err := r.Products().GetByID(ctx, "P1")
		require.NoError(t, err, "a transaction sees its own writes")
		assert.Equal(t, "Tea", got.Name)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = a.Products().GetByID(ctx, "P1")
	require.ErrorIs(t, err, common.ErrorNotFound)
	v, err := a.Metadata().Get(ctx, storage.KeyCheckpoint)
	require.NoError(t, err)
	assert.Nil(t, v)

	err = a.WithTx(ctx, func(ctx context.Context, r storage.Repositories) error {
		return r.Products().Create(ctx, product("P2", "Coffee"))
	})
	require.NoError(t, err)
	_, err = a.Products().GetByID(ctx, "P2")
	require.NoError(t, err)
}

func testCollectionsUpsertSkip(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	products := storage.Collections(a)[models.CollectionProducts]
	require.NotNil(t, products)

	docs := []json.RawMessage{
		json.RawMessage(`{"id":"P1","name":"Tea","price":"1.50","stock":3}`),
		json.RawMessage(`{"id":"P2","name":"Coffee","price":"2.00","stock":1}`),
	}
	ids, err := products.Upsert(ctx, docs, base, func(id string) bool { return id == "P2" })
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids)

	got, err := a.Products().GetByID(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, got.IsSynced)
	assert.Equal(t, "P1", got.ServerID)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, got.LastSyncedAt.Equal(base))

	_, err = a.Products().GetByID(ctx, "P2")
	require.ErrorIs(t, err, common.ErrorNotFound)

	synced, err := products.SyncedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, synced)

	require.NoError(t, products.Delete(ctx, []string{"P1", "P404"}))
	n, err := a.Products().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = products.Upsert(ctx, []json.RawMessage{json.RawMessage(`{"name":"no id"}`)}, base, nil)
	require.ErrorIs(t, err, models.ErrInvalidRecord)
}

func testCollectionsReconcile(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	temp := models.NewTempID()
	adj := &models.StockAdjustment{
		RecordMeta: models.RecordMeta{ID: temp, IsOffline: true, UpdatedAt: base},
		ProductID:  "P1",
		Delta:      -1,
	}
	require.NoError(t, a.StockAdjustments().Create(ctx, adj))

	coll, err := storage.CollectionFor(a, models.EntityStockAdjustment)
	require.NoError(t, err)

	require.NoError(t, coll.Reconcile(ctx, temp, "42", base))
	require.NoError(t, coll.Reconcile(ctx, temp, "42", base), "reconcile is idempotent")

	got, err := a.StockAdjustments().GetByID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", got.ServerID)
	assert.Equal(t, temp, got.TempID)
	assert.True(t, got.IsSynced)
	assert.False(t, got.IsOffline)

	n, err := a.StockAdjustments().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "record must not be duplicated")

	err = coll.Reconcile(ctx, "tmp_missing", "43", base)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func testCollectionsApplyVersion(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	parties, err := storage.CollectionFor(a, models.EntityParty)
	require.NoError(t, err)

	require.NoError(t, parties.Apply(ctx, json.RawMessage(`{"id":"7","version":5,"name":"Newer"}`), base))
	require.NoError(t, parties.Apply(ctx, json.RawMessage(`{"id":"7","version":2,"name":"Older"}`), base))

	got, err := a.Parties().GetByID(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "Newer", got.Name, "an older server copy must not replace a newer one")
	assert.Equal(t, int64(5), got.Version)
	assert.True(t, got.IsSynced)

	require.NoError(t, parties.Apply(ctx, json.RawMessage(`{"id":"7","version":6,"name":"Latest"}`), base))
	got, err = a.Parties().GetByID(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "Latest", got.Name)
}

func testCollectionsExportImport(t *testing.T, a storage.Adapter) {
	ctx := context.Background()
	require.NoError(t, a.Parties().Create(ctx, &models.Party{RecordMeta: models.RecordMeta{ID: "A"}, Name: "Ann", Kind: models.PartyCustomer}))

	parties := storage.Collections(a)[models.CollectionParties]
	docs, err := parties.Export(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, a.Parties().Delete(ctx, "A"))
	require.NoError(t, parties.Import(ctx, docs))
	require.NoError(t, parties.Import(ctx, docs))

	got, err := a.Parties().GetByID(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.Name)
	assert.Equal(t, models.PartyCustomer, got.Kind)
}
