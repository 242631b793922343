package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/server/auth"
	"github.com/dmitrijs2005/posync/internal/server/repositories/repomanager"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, opts ...Option) (*Service, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.now)}, opts...)
	return NewService(repomanager.NewMemoryRepositoryManager(), opts...), c
}

func mustCreate(t *testing.T, s *Service, collection, key, body string) *Outcome {
	t.Helper()
	out, err := s.Apply(context.Background(), Write{Key: key, Collection: collection, Action: ActionCreate, Data: json.RawMessage(body)})
	require.NoError(t, err)
	return out
}

func field(t *testing.T, data json.RawMessage, name string) any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m[name]
}

func product(t *testing.T, s *Service, id string) json.RawMessage {
	t.Helper()
	full, err := s.Full(context.Background(), []string{CollectionProducts})
	require.NoError(t, err)
	for _, d := range full.Changes[CollectionProducts].Added {
		if field(t, d, "id") == id {
			return d
		}
	}
	t.Fatalf("product %s not found", id)
	return nil
}

func TestRegister(t *testing.T) {
	s, _ := newTestService(t, WithTokens([]byte("secret"), time.Hour))
	ctx := context.Background()

	res, err := s.Register(ctx, DeviceInfo{DeviceID: "dev-1", Name: "Till 1"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	id, err := auth.DeviceIDFromToken(res.Token, []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)

	res, err = s.Register(ctx, DeviceInfo{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.NotEmpty(t, res.Token)

	_, err = s.Register(ctx, DeviceInfo{})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
}

func TestRegister_NoTokensWithoutSecret(t *testing.T) {
	s, _ := newTestService(t)
	res, err := s.Register(context.Background(), DeviceInfo{DeviceID: "d"})
	require.NoError(t, err)
	assert.Empty(t, res.Token)
}

func TestCreate_StripsClientFieldsAndAssignsID(t *testing.T) {
	s, c := newTestService(t)

	out := mustCreate(t, s, CollectionParties, "k1",
		`{"id":"tmp_1","tempId":"tmp_1","isOffline":true,"isSynced":false,"version":7,"name":"Ann","kind":"customer"}`)

	assert.Equal(t, http.StatusCreated, out.Status)
	assert.Equal(t, "1", out.ID)
	assert.Equal(t, "1", field(t, out.Data, "id"))
	assert.Equal(t, "Ann", field(t, out.Data, "name"))
	assert.Equal(t, c.t.Format(time.RFC3339Nano), field(t, out.Data, "updatedAt"))
	assert.Equal(t, float64(1), field(t, out.Data, "version"))
	assert.Equal(t, "tmp_1", field(t, out.Data, "tempId"), "the temp id is echoed to the creating till")
	for _, f := range clientOnlyFields {
		if f == "tempId" {
			continue
		}
		assert.Nil(t, field(t, out.Data, f), f)
	}
}

func TestUpdate_KeepsTempIDOfCreate(t *testing.T) {
	s, _ := newTestService(t)
	created := mustCreate(t, s, CollectionParties, "c", `{"name":"Ann","tempId":"tmp_1"}`)

	out, err := s.Apply(context.Background(), Write{Key: "u", Collection: CollectionParties, Action: ActionUpdate, ID: created.ID,
		Data: json.RawMessage(`{"name":"Anna","tempId":"tmp_other","version":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "tmp_1", field(t, out.Data, "tempId"))
	assert.Equal(t, float64(2), field(t, out.Data, "version"))
}

func TestApply_ReplayHasOneEffect(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s, CollectionProducts, "p", `{"name":"Tea","stock":10}`)

	w := Write{Key: "adj-1", Collection: CollectionStockAdjustments, Action: ActionCreate, Data: json.RawMessage(`{"productId":"1","delta":5}`)}
	first, err := s.Apply(ctx, w)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := s.Apply(ctx, w)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)

	assert.EqualValues(t, 15, field(t, product(t, s, "1"), "stock"))

	full, err := s.Full(ctx, []string{CollectionStockAdjustments})
	require.NoError(t, err)
	assert.Len(t, full.Changes[CollectionStockAdjustments].Added, 1)
}

func TestSale_MovesStockAndComputesTotal(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s, CollectionProducts, "p1", `{"name":"Tea","stock":10}`)
	mustCreate(t, s, CollectionProducts, "p2", `{"name":"Cake","stock":4}`)

	sale := mustCreate(t, s, CollectionSales, "s1",
		`{"lines":[{"productId":"1","quantity":3,"unitPrice":"2.50"},{"productId":"2","quantity":1,"unitPrice":"4"}],"total":"0"}`)
	assert.Equal(t, "11.5", field(t, sale.Data, "total"))
	assert.Equal(t, "S-3", field(t, sale.Data, "number"))
	assert.EqualValues(t, 7, field(t, product(t, s, "1"), "stock"))
	assert.EqualValues(t, 3, field(t, product(t, s, "2"), "stock"))

	_, err := s.Apply(ctx, Write{Key: "s1-u", Collection: CollectionSales, Action: ActionUpdate, ID: sale.ID,
		Data: json.RawMessage(`{"lines":[{"productId":"1","quantity":1,"unitPrice":"2.50"}]}`)})
	require.NoError(t, err)
	assert.EqualValues(t, 9, field(t, product(t, s, "1"), "stock"))
	assert.EqualValues(t, 4, field(t, product(t, s, "2"), "stock"))

	out, err := s.Apply(ctx, Write{Key: "s1-d", Collection: CollectionSales, Action: ActionDelete, ID: sale.ID})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.EqualValues(t, 10, field(t, product(t, s, "1"), "stock"))
}

func TestSale_UnknownProductRejectedWithoutEffect(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, Write{Key: "s", Collection: CollectionSales, Action: ActionCreate,
		Data: json.RawMessage(`{"lines":[{"productId":"42","quantity":1,"unitPrice":"1"}]}`)})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Status)

	full, err := s.Full(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "0", full.Checkpoint)
	assert.Empty(t, full.Changes[CollectionSales].Added)
}

func TestUpdate_ConflictAndForce(t *testing.T) {
	s, c := newTestService(t)
	ctx := context.Background()
	created := mustCreate(t, s, CollectionParties, "c", `{"name":"Ann"}`)
	seen := field(t, created.Data, "version")

	c.advance(2 * time.Minute)
	_, err := s.Apply(ctx, Write{Key: "server-edit", Collection: CollectionParties, Action: ActionUpdate, ID: created.ID,
		Data: json.RawMessage(`{"name":"Anna"}`)})
	require.NoError(t, err)

	stale := json.RawMessage(fmt.Sprintf(`{"name":"Annie","version":%v}`, seen))
	_, err = s.Apply(ctx, Write{Key: "till-edit", Collection: CollectionParties, Action: ActionUpdate, ID: created.ID, Data: stale})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Status)
	assert.Equal(t, "Anna", field(t, se.Data, "name"))

	out, err := s.Apply(ctx, Write{Key: "till-edit", Collection: CollectionParties, Action: ActionUpdate, ID: created.ID, Data: stale, Force: true})
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, "Annie", field(t, out.Data, "name"))
}

func TestUpdate_ClientClockDoesNotMatter(t *testing.T) {
	s, c := newTestService(t)
	ctx := context.Background()
	created := mustCreate(t, s, CollectionParties, "c", `{"name":"Ann"}`)

	// The till stamps its own sync time, well behind the server clock.
	c.advance(time.Hour)
	behind := c.t.Add(-2 * time.Hour).Format(time.RFC3339Nano)
	body := fmt.Sprintf(`{"name":"Anna","version":%v,"lastSyncedAt":%q,"updatedAt":%q}`, field(t, created.Data, "version"), behind, behind)

	out, err := s.Apply(ctx, Write{Key: "u1", Collection: CollectionParties, Action: ActionUpdate, ID: created.ID, Data: json.RawMessage(body)})
	require.NoError(t, err)
	assert.Equal(t, "Anna", field(t, out.Data, "name"))

	// Without a version the last write wins.
	out, err = s.Apply(ctx, Write{Key: "u2", Collection: CollectionParties, Action: ActionUpdate, ID: created.ID,
		Data: json.RawMessage(`{"name":"Annie"}`)})
	require.NoError(t, err)
	assert.Equal(t, "Annie", field(t, out.Data, "name"))
}

func TestUpdate_MissingRecord(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Apply(context.Background(), Write{Collection: CollectionParties, Action: ActionUpdate, ID: "9", Data: json.RawMessage(`{}`)})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestDelete_MissingIsNoContent(t *testing.T) {
	s, _ := newTestService(t)
	out, err := s.Apply(context.Background(), Write{Key: "d", Collection: CollectionParties, Action: ActionDelete, ID: "9"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, out.Status)
}

func TestChanges(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	a := mustCreate(t, s, CollectionParties, "a", `{"name":"A"}`)
	b := mustCreate(t, s, CollectionParties, "b", `{"name":"B"}`)
	cp, err := s.Changes(ctx, "0", nil)
	require.NoError(t, err)
	assert.Equal(t, "2", cp.Checkpoint)
	assert.Len(t, cp.Changes[CollectionParties].Added, 2)

	_, err = s.Apply(ctx, Write{Key: "a-u", Collection: CollectionParties, Action: ActionUpdate, ID: a.ID, Data: json.RawMessage(`{"name":"A2"}`)})
	require.NoError(t, err)
	_, err = s.Apply(ctx, Write{Key: "b-d", Collection: CollectionParties, Action: ActionDelete, ID: b.ID})
	require.NoError(t, err)
	tmp := mustCreate(t, s, CollectionParties, "c", `{"name":"C"}`)
	_, err = s.Apply(ctx, Write{Key: "c-d", Collection: CollectionParties, Action: ActionDelete, ID: tmp.ID})
	require.NoError(t, err)

	delta, err := s.Changes(ctx, cp.Checkpoint, []string{CollectionParties})
	require.NoError(t, err)
	cs := delta.Changes[CollectionParties]
	assert.Empty(t, cs.Added)
	require.Len(t, cs.Updated, 1)
	assert.Equal(t, "A2", field(t, cs.Updated[0], "name"))
	assert.Equal(t, []string{b.ID}, cs.Deleted)
	assert.Equal(t, "6", delta.Checkpoint)
	assert.False(t, delta.Full)

	full, err := s.Full(ctx, []string{CollectionParties})
	require.NoError(t, err)
	assert.True(t, full.Full)
	assert.Len(t, full.Changes[CollectionParties].Added, 1)
}

func TestChanges_InvalidCheckpoint(t *testing.T) {
	s, _ := newTestService(t)
	for _, since := range []string{"", "abc", "-1", "7"} {
		_, err := s.Changes(context.Background(), since, nil)
		assert.True(t, errors.Is(err, ErrCheckpointInvalid), since)
	}
}

func TestChanges_UnknownEntity(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Changes(context.Background(), "0", []string{"widgets"})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeValidation, se.Code)
}

func TestBatch(t *testing.T) {
	s, c := newTestService(t)
	ctx := context.Background()
	party := mustCreate(t, s, CollectionParties, "p", `{"name":"Ann"}`)
	c.advance(time.Minute)
	_, err := s.Apply(ctx, Write{Key: "edit", Collection: CollectionParties, Action: ActionUpdate, ID: party.ID,
		Data: json.RawMessage(`{"name":"Anna"}`)})
	require.NoError(t, err)

	resp := s.Batch(ctx, BatchRequest{DeviceID: "dev", Operations: []BatchOperation{
		{IdempotencyKey: "1", Entity: "party", Action: ActionCreate, Data: json.RawMessage(`{"name":"Bob"}`)},
		{IdempotencyKey: "2", Entity: "party", Action: ActionUpdate, EntityID: party.ID,
			Data: json.RawMessage(`{"name":"X","version":1}`)},
		{IdempotencyKey: "3", Entity: "party", Action: ActionDelete, EntityID: "77"},
		{IdempotencyKey: "4", Entity: "widget", Action: ActionCreate, Data: json.RawMessage(`{}`)},
		{IdempotencyKey: "1", Entity: "party", Action: ActionCreate, Data: json.RawMessage(`{"name":"Bob"}`)},
		{IdempotencyKey: "5", Entity: "party", Action: ActionUpdate, EntityID: "88", Data: json.RawMessage(`{"name":"Y"}`)},
	}})

	require.Len(t, resp.Results, 6)
	assert.Equal(t, BatchCreated, resp.Results[0].Status)
	assert.Equal(t, "2", resp.Results[0].ID)
	assert.Equal(t, BatchConflict, resp.Results[1].Status)
	assert.Equal(t, "Anna", field(t, resp.Results[1].Data, "name"))
	assert.Equal(t, BatchDeleted, resp.Results[2].Status)
	assert.Equal(t, BatchError, resp.Results[3].Status)
	assert.Equal(t, BatchCreated, resp.Results[4].Status)
	assert.Equal(t, "2", resp.Results[4].ID)
	assert.Equal(t, BatchError, resp.Results[5].Status)
	assert.Equal(t, CodeNotFound, resp.Results[5].Code)
}
