package services

import (
	"encoding/json"
	"net/http"
)

// Collections served to the tills.
const (
	CollectionCategories       = "categories"
	CollectionProducts         = "products"
	CollectionParties          = "parties"
	CollectionSales            = "sales"
	CollectionStockAdjustments = "stockAdjustments"
)

// Collections lists every collection in the order clients apply them.
var Collections = []string{
	CollectionCategories,
	CollectionProducts,
	CollectionParties,
	CollectionSales,
	CollectionStockAdjustments,
}

var entityCollections = map[string]string{
	"category":        CollectionCategories,
	"product":         CollectionProducts,
	"party":           CollectionParties,
	"sale":            CollectionSales,
	"stockAdjustment": CollectionStockAdjustments,
}

// CollectionForEntity maps a batch entity name onto its collection.
func CollectionForEntity(entity string) (string, bool) {
	c, ok := entityCollections[entity]
	return c, ok
}

type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	Name       string `json:"name,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

type RegisterResult struct {
	DeviceID string `json:"deviceId"`
	Token    string `json:"token,omitempty"`
	// Created is false when the device had registered before.
	Created bool `json:"-"`
}

type ChangeSet struct {
	Added   []json.RawMessage `json:"added"`
	Updated []json.RawMessage `json:"updated"`
	Deleted []string          `json:"deleted"`
}

type SyncResponse struct {
	Changes    map[string]*ChangeSet `json:"changes"`
	Checkpoint string                `json:"checkpoint"`
	Full       bool                  `json:"full,omitempty"`
}

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Write is one keyed mutation of a collection.
type Write struct {
	Key        string
	DeviceID   string
	Collection string
	Action     Action
	// ID is empty for creates.
	ID   string
	Data json.RawMessage
	// Force overwrites the server copy instead of reporting a conflict.
	Force bool
}

// Outcome is the answer to a Write.
type Outcome struct {
	Status int
	ID     string
	Data   json.RawMessage
	// Replayed is set when the answer was stored by an earlier write with
	// the same key.
	Replayed bool
}

type writeBody struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Body renders the response body, nil for body-less answers.
func (o *Outcome) Body() (json.RawMessage, error) {
	if o.Status == http.StatusNoContent {
		return nil, nil
	}
	return json.Marshal(writeBody{ID: o.ID, Data: o.Data})
}

func outcomeFromBody(status int, body json.RawMessage) (*Outcome, error) {
	o := &Outcome{Status: status, Replayed: true}
	if len(body) == 0 {
		return o, nil
	}
	var wb writeBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, err
	}
	o.ID, o.Data = wb.ID, wb.Data
	return o, nil
}

const (
	BatchCreated  = "created"
	BatchUpdated  = "updated"
	BatchDeleted  = "deleted"
	BatchConflict = "conflict"
	BatchError    = "error"
)

type BatchOperation struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Entity         string          `json:"entity"`
	Action         Action          `json:"action"`
	EntityID       string          `json:"entityId"`
	Data           json.RawMessage `json:"data,omitempty"`
	Force          bool            `json:"force,omitempty"`
}

type BatchRequest struct {
	DeviceID   string           `json:"deviceId"`
	Operations []BatchOperation `json:"operations"`
}

type BatchResult struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         string          `json:"status"`
	ID             string          `json:"id,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type BatchResponse struct {
	Results []BatchResult `json:"results"`
}
