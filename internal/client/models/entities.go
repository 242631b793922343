package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entity is the logical name of a mutable aggregate as used by queue items.
type Entity string

const (
	EntityProduct         Entity = "product"
	EntityCategory        Entity = "category"
	EntityParty           Entity = "party"
	EntitySale            Entity = "sale"
	EntityStockAdjustment Entity = "stockAdjustment"
)

// Collection names are used for local tables and for the sync API.
const (
	CollectionProducts         = "products"
	CollectionCategories       = "categories"
	CollectionParties          = "parties"
	CollectionSales            = "sales"
	CollectionStockAdjustments = "stockAdjustments"
)

// SyncCollections lists the read-model collections in apply order.
var SyncCollections = []string{
	CollectionCategories,
	CollectionProducts,
	CollectionParties,
	CollectionSales,
	CollectionStockAdjustments,
}

var entityCollections = map[Entity]string{
	EntityProduct:         CollectionProducts,
	EntityCategory:        CollectionCategories,
	EntityParty:           CollectionParties,
	EntitySale:            CollectionSales,
	EntityStockAdjustment: CollectionStockAdjustments,
}

// Collection returns the collection that stores records of e.
func (e Entity) Collection() string {
	return entityCollections[e]
}

// EntityForCollection is the inverse of Entity.Collection.
func EntityForCollection(collection string) (Entity, bool) {
	for e, c := range entityCollections {
		if c == collection {
			return e, true
		}
	}
	return "", false
}

const tempIDPrefix = "tmp_"

// NewTempID returns a client generated identifier for a record that has not
// been acknowledged by the server yet.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// RecordMeta carries the client-only bookkeeping shared by every read-model
// record. ID is the local primary key: the temp id until reconciliation,
// the server id afterwards. Version is the server's version of the copy the
// record is based on; updates send it back for conflict detection.
type RecordMeta struct {
	ID           string     `json:"id"`
	Version      int64      `json:"version,omitempty"`
	TempID       string     `json:"tempId,omitempty"`
	ServerID     string     `json:"serverId,omitempty"`
	IsOffline    bool       `json:"isOffline,omitempty"`
	IsSynced     bool       `json:"isSynced"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}

func (m *RecordMeta) Meta() *RecordMeta { return m }

// Record is implemented by pointers to every read-model type.
type Record interface {
	Meta() *RecordMeta
}

// MarkSynced stamps a record as consistent with the server at t.
func (m *RecordMeta) MarkSynced(t time.Time) {
	ts := t.UTC()
	m.IsSynced = true
	m.IsOffline = false
	m.LastSyncedAt = &ts
	if m.ServerID == "" && !IsTempID(m.ID) {
		m.ServerID = m.ID
	}
}

// Reconcile re-keys a record created offline to the server assigned id.
func (m *RecordMeta) Reconcile(serverID string, t time.Time) {
	if m.TempID == "" && IsTempID(m.ID) {
		m.TempID = m.ID
	}
	m.ID = serverID
	m.ServerID = serverID
	m.MarkSynced(t)
}

var (
	ErrInvalidRecord = errors.New("invalid record")
)

type Category struct {
	RecordMeta
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

type Product struct {
	RecordMeta
	Name       string          `json:"name"`
	SKU        string          `json:"sku"`
	CategoryID string          `json:"categoryId,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Stock      int64           `json:"stock"`
}

type PartyKind string

const (
	PartyCustomer PartyKind = "customer"
	PartySupplier PartyKind = "supplier"
)

type Party struct {
	RecordMeta
	Name  string    `json:"name"`
	Kind  PartyKind `json:"kind"`
	Phone string    `json:"phone,omitempty"`
	Email string    `json:"email,omitempty"`
}

func (p *Party) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("party name is empty"))
	}
	return nil
}

type SaleLine struct {
	ProductID string          `json:"productId"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func (l SaleLine) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

type Sale struct {
	RecordMeta
	Number  string          `json:"number,omitempty"`
	PartyID string          `json:"partyId,omitempty"`
	Lines   []SaleLine      `json:"lines"`
	Total   decimal.Decimal `json:"total"`
	SoldAt  time.Time       `json:"soldAt"`
}

// ComputeTotal recalculates Total from the lines and returns it.
func (s *Sale) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lines {
		total = total.Add(l.Amount())
	}
	s.Total = total
	return total
}

func (s *Sale) Validate() error {
	if len(s.Lines) == 0 {
		return errors.Join(ErrInvalidRecord, errors.New("sale has no lines"))
	}
	for _, l := range s.Lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return errors.Join(ErrInvalidRecord, errors.New("sale line needs a product and a positive quantity"))
		}
	}
	return nil
}

type StockAdjustment struct {
	RecordMeta
	ProductID string `json:"productId"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason,omitempty"`
}

func (a *StockAdjustment) Validate() error {
	if a.ProductID == "" || a.Delta == 0 {
		return errors.Join(ErrInvalidRecord, errors.New("stock adjustment needs a product and a non-zero delta"))
	}
	return nil
}
