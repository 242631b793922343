package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/client"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/storage/docstore"
	"github.com/dmitrijs2005/posync/internal/common"
)

func TestBatchMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, docstore.NewMemory(), Config{BatchSize: 10}, WithDeviceID(func() string { return "dev-1" }))
	f.remote.batch = func(req models.BatchRequest) (*models.BatchResponse, error) {
		resp := &models.BatchResponse{}
		for _, op := range req.Operations {
			r := models.BatchResult{IdempotencyKey: op.IdempotencyKey}
			switch {
			case op.EntityID == "conflicting":
				r.Status = models.BatchConflict
				r.Error = "stale"
				r.Data = []byte(`{"id":"conflicting","name":"srv","kind":"customer"}`)
			case op.Action == models.OperationCreate:
				r.Status = models.BatchCreated
				r.ID = models.FlexibleID("srv-" + op.EntityID)
			default:
				r.Status = models.BatchUpdated
			}
			resp.Results = append(resp.Results, r)
		}
		return resp, nil
	}

	a := offlineParty(t, f.store, "A")
	b := offlineParty(t, f.store, "B")
	a1 := f.enqueue(t, models.EntityParty, models.OperationCreate, a.ID, a)
	f.enqueue(t, models.EntityParty, models.OperationCreate, b.ID, b)
	a2p := *a
	a2p.Phone = "1"
	a2 := f.enqueue(t, models.EntityParty, models.OperationUpdate, a.ID, &a2p)

	c := &models.Party{RecordMeta: models.RecordMeta{ID: "conflicting", IsSynced: true}, Name: "C", Kind: models.PartyCustomer}
	require.NoError(t, f.store.Parties().Create(ctx, c))
	cItem := f.enqueue(t, models.EntityParty, models.OperationUpdate, c.ID, c)

	res, err := f.proc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 1, res.Conflicts)

	require.Len(t, f.remote.batches, 2)
	first := f.remote.batches[0]
	assert.Equal(t, "dev-1", first.DeviceID)
	require.Len(t, first.Operations, 3)
	assert.Equal(t, a1.IdempotencyKey, first.Operations[0].IdempotencyKey)

	second := f.remote.batches[1]
	require.Len(t, second.Operations, 1)
	assert.Equal(t, a2.IdempotencyKey, second.Operations[0].IdempotencyKey)
	wantA := "srv-" + a.ID
	assert.Equal(t, wantA, second.Operations[0].EntityID)

	got := f.item(t, cItem.ID)
	assert.Equal(t, models.StatusConflict, got.Status)
	assert.JSONEq(t, `{"id":"conflicting","name":"srv","kind":"customer"}`, string(got.ServerData))

	_, err = f.store.Parties().GetByID(ctx, wantA)
	assert.NoError(t, err)
}

func TestBatchMode_ErrorsAndMissingResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, docstore.NewMemory(), Config{BatchSize: 5})

	a := offlineParty(t, f.store, "A")
	b := offlineParty(t, f.store, "B")
	aItem := f.enqueue(t, models.EntityParty, models.OperationCreate, a.ID, a)
	bItem := f.enqueue(t, models.EntityParty, models.OperationCreate, b.ID, b)

	f.remote.batch = func(req models.BatchRequest) (*models.BatchResponse, error) {
		return &models.BatchResponse{Results: []models.BatchResult{
			{IdempotencyKey: req.Operations[0].IdempotencyKey, Status: models.BatchError, Error: "bad party"},
		}}, nil
	}
	res, err := f.proc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, models.StatusFailed, f.item(t, aItem.ID).Status)
	assert.Equal(t, models.StatusPending, f.item(t, bItem.ID).Status)

	f.clock.Advance(f.proc.Config().BaseDelay)
	f.remote.batch = func(req models.BatchRequest) (*models.BatchResponse, error) {
		return nil, fmt.Errorf("%w: %w", common.ErrNetwork, errors.New("reset"))
	}
	res, err = f.proc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 2, f.item(t, bItem.ID).Attempts)
}

func TestBatchMode_NotFoundDropsLocalRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, docstore.NewMemory(), Config{BatchSize: 5})
	f.remote.batch = func(req models.BatchRequest) (*models.BatchResponse, error) {
		return &models.BatchResponse{Results: []models.BatchResult{{
			IdempotencyKey: req.Operations[0].IdempotencyKey,
			Status:         models.BatchError,
			Code:           client.CodeNotFound,
			Error:          "party 9 not found",
		}}}, nil
	}

	p := &models.Party{RecordMeta: models.RecordMeta{ID: "9", ServerID: "9", IsSynced: true}, Name: "Gone", Kind: models.PartyCustomer}
	require.NoError(t, f.store.Parties().Create(ctx, p))
	item := f.enqueue(t, models.EntityParty, models.OperationUpdate, p.ID, p)

	res, err := f.proc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.StatusFailed, f.item(t, item.ID).Status)
	_, err = f.store.Parties().GetByID(ctx, "9")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
