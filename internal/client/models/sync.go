package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChangeSet lists the changes of one collection since a checkpoint.
type ChangeSet struct {
	Added   []json.RawMessage `json:"added"`
	Updated []json.RawMessage `json:"updated"`
	Deleted []string          `json:"deleted"`
}

func (c ChangeSet) Len() int {
	return len(c.Added) + len(c.Updated) + len(c.Deleted)
}

// SyncResponse is returned by both the delta and the full snapshot endpoints.
type SyncResponse struct {
	Changes    map[string]ChangeSet `json:"changes"`
	Checkpoint string               `json:"checkpoint"`
	Full       bool                 `json:"full,omitempty"`
}

// Empty reports whether the response carries no changes at all.
func (r *SyncResponse) Empty() bool {
	for _, cs := range r.Changes {
		if cs.Len() > 0 {
			return false
		}
	}
	return true
}

type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	Name       string `json:"name,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// FlexibleID accepts identifiers encoded either as JSON strings or numbers.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

// ReplayRequest is a single queue item replay.
type ReplayRequest struct {
	Method         string
	Endpoint       string
	IdempotencyKey string
	Payload        json.RawMessage
	Force          bool
}

// ReplayResponse is the decoded answer to a replay.
type ReplayResponse struct {
	ServerID  string
	Duplicate bool
	Body      json.RawMessage
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
	Entity         Entity          `json:"entity"`
	Action         Operation       `json:"action"`
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
	ID             FlexibleID      `json:"id,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type BatchResponse struct {
	Results []BatchResult `json:"results"`
}
