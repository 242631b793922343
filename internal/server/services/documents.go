package services

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Fields kept by the tills for their own bookkeeping. They are never stored.
var clientOnlyFields = []string{"tempId", "serverId", "isOffline", "isSynced", "lastSyncedAt"}

type document map[string]any

func decodeDocument(data json.RawMessage) (document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc document
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return nil, validationError("body must be a JSON object")
	}
	return doc, nil
}

// prepare strips the client bookkeeping and stamps the server fields.
// tempID, when set, is echoed so the creating till can match the record
// it holds under its temp id.
func (d document) prepare(id string, version int64, tempID string, now time.Time) {
	for _, f := range clientOnlyFields {
		delete(d, f)
	}
	d["id"] = id
	d["version"] = version
	d["updatedAt"] = now.UTC().Format(time.RFC3339Nano)
	if tempID != "" {
		d["tempId"] = tempID
	}
}

func (d document) int64Field(name string) int64 {
	n, ok := d[name].(json.Number)
	if !ok {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}

func (d document) encode() (json.RawMessage, error) {
	return json.Marshal(d)
}

// stringField returns a top-level string of data, or "".
func stringField(data json.RawMessage, name string) string {
	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) != nil {
		return ""
	}
	var v string
	if json.Unmarshal(fields[name], &v) != nil {
		return ""
	}
	return v
}

// baseVersion returns the record version the client last saw, or 0 when it
// sent none.
func baseVersion(data json.RawMessage) int64 {
	var v struct {
		Version int64 `json:"version"`
	}
	if json.Unmarshal(data, &v) != nil {
		return 0
	}
	return v.Version
}

type saleLine struct {
	ProductID string          `json:"productId"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type saleDoc struct {
	Number string     `json:"number"`
	Lines  []saleLine `json:"lines"`
}

type adjustmentDoc struct {
	ProductID string `json:"productId"`
	Delta     int64  `json:"delta"`
}

// normalizeSale checks the lines, recomputes the total and numbers the
// receipt when the till did not.
func normalizeSale(doc document, raw json.RawMessage, id string) error {
	var s saleDoc
	if err := json.Unmarshal(raw, &s); err != nil {
		return validationError("invalid sale: %v", err)
	}
	if len(s.Lines) == 0 {
		return validationError("sale has no lines")
	}
	total := decimal.Zero
	for _, l := range s.Lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return validationError("sale line needs a product and a positive quantity")
		}
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity)))
	}
	doc["total"] = total.String()
	if s.Number == "" {
		doc["number"] = "S-" + id
	}
	return nil
}

// stockDeltas returns the stock movement per product that a document of
// collection stands for.
func stockDeltas(collection string, raw json.RawMessage) (map[string]int64, error) {
	out := map[string]int64{}
	if len(raw) == 0 {
		return out, nil
	}
	switch collection {
	case CollectionSales:
		var s saleDoc
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, validationError("invalid sale: %v", err)
		}
		for _, l := range s.Lines {
			out[l.ProductID] -= l.Quantity
		}
	case CollectionStockAdjustments:
		var a adjustmentDoc
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, validationError("invalid stock adjustment: %v", err)
		}
		if a.ProductID == "" || a.Delta == 0 {
			return nil, validationError("stock adjustment needs a product and a non-zero delta")
		}
		out[a.ProductID] += a.Delta
	}
	return out, nil
}

// netDeltas returns after minus before, without zero entries, in product
// order.
func netDeltas(before, after map[string]int64) ([]string, map[string]int64) {
	net := maps.Clone(after)
	for p, d := range before {
		net[p] -= d
	}
	for p, d := range net {
		if d == 0 {
			delete(net, p)
		}
	}
	return slices.Sorted(maps.Keys(net)), net
}
