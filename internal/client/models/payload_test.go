package models

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Build(t *testing.T) {
	reg := DefaultRegistry()
	adj := &StockAdjustment{RecordMeta: RecordMeta{ID: "tmp_1"}, ProductID: "P1", Delta: -2}

	item, err := reg.Build(EntityStockAdjustment, OperationCreate, "tmp_1", adj)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, item.Method)
	assert.Equal(t, "/stock-adjustments", item.Endpoint)
	assert.JSONEq(t, `{"id":"tmp_1","isSynced":false,"updatedAt":"0001-01-01T00:00:00Z","productId":"P1","delta":-2}`, string(item.Payload))
}

func TestRegistry_Build_Errors(t *testing.T) {
	reg := DefaultRegistry()

	_, err := reg.Build(EntityCategory, OperationCreate, "c1", &Category{})
	require.ErrorIs(t, err, ErrUnknownPayload)

	_, err = reg.Build(EntitySale, OperationCreate, "s1", &Party{Name: "x"})
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = reg.Build(EntitySale, OperationCreate, "s1", &Sale{})
	require.ErrorIs(t, err, ErrInvalidPayload)
	require.ErrorIs(t, err, ErrInvalidRecord)

	_, err = reg.Build(EntityParty, OperationUpdate, "p1", nil)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRegistry_BuildDelete_NoBody(t *testing.T) {
	item, err := DefaultRegistry().Build(EntityParty, OperationDelete, "7", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, item.Method)
	assert.Equal(t, "/parties/7", item.Endpoint)
	assert.Empty(t, item.Payload)
}

func TestRegistry_Decode(t *testing.T) {
	reg := DefaultRegistry()
	sale := &Sale{Lines: []SaleLine{{ProductID: "P1", Quantity: 2, UnitPrice: decimal.RequireFromString("1.25")}}}
	sale.ComputeTotal()

	item, err := reg.Build(EntitySale, OperationCreate, "tmp_s", sale)
	require.NoError(t, err)

	v, err := reg.Decode(item)
	require.NoError(t, err)
	got, ok := v.(*Sale)
	require.True(t, ok)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("2.5")))

	item.Payload = json.RawMessage(`{"lines":[]}`)
	_, err = reg.Decode(item)
	require.ErrorIs(t, err, ErrInvalidPayload)

	item.Payload = json.RawMessage(`{"lines":`)
	_, err = reg.Decode(item)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRegistry_Rebind(t *testing.T) {
	reg := DefaultRegistry()
	p := &Party{RecordMeta: RecordMeta{ID: "tmp_p"}, Name: "Ann"}

	item, err := reg.Build(EntityParty, OperationUpdate, "tmp_p", p)
	require.NoError(t, err)
	require.NoError(t, reg.Rebind(item, "42"))

	assert.Equal(t, "42", item.EntityID)
	assert.Equal(t, "/parties/42", item.Endpoint)

	var got Party
	require.NoError(t, json.Unmarshal(item.Payload, &got))
	assert.Equal(t, "42", got.ID)
	assert.Equal(t, "tmp_p", got.TempID)
}

func TestRegistry_Rebase(t *testing.T) {
	reg := DefaultRegistry()
	p := &Party{RecordMeta: RecordMeta{ID: "42", Version: 3}, Name: "Ann"}

	item, err := reg.Build(EntityParty, OperationUpdate, "42", p)
	require.NoError(t, err)
	assert.Equal(t, int64(3), PayloadVersion(item))
	require.NoError(t, reg.Rebase(item, 7))
	assert.Equal(t, int64(7), PayloadVersion(item))

	del, err := reg.Build(EntityParty, OperationDelete, "42", nil)
	require.NoError(t, err)
	require.NoError(t, reg.Rebase(del, 7))
	assert.Empty(t, del.Payload)
}

func TestDocFields(t *testing.T) {
	doc := json.RawMessage(`{"id":"42","version":5,"tempId":"tmp_a"}`)
	assert.Equal(t, int64(5), DocVersion(doc))
	assert.Equal(t, "tmp_a", DocTempID(doc))
	assert.Zero(t, DocVersion(nil))
	assert.Empty(t, DocTempID(json.RawMessage(`not json`)))
}

func TestFlexibleID(t *testing.T) {
	var r BatchResult
	require.NoError(t, json.Unmarshal([]byte(`{"id":42}`), &r))
	assert.Equal(t, FlexibleID("42"), r.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"abc"}`), &r))
	assert.Equal(t, FlexibleID("abc"), r.ID)

	require.Error(t, json.Unmarshal([]byte(`{"id":true}`), &r))
}
