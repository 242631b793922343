// Package models holds the server-side persistence types.
package models

import (
	"encoding/json"
	"time"
)

// Record is one stored document of a collection. Version is the value of
// the global change counter at the last write, CreatedVersion at the first.
type Record struct {
	Collection     string
	ID             string
	Data           json.RawMessage
	Version        int64
	CreatedVersion int64
	Deleted        bool
	UpdatedAt      time.Time
}

// Device is a registered till.
type Device struct {
	ID           string
	Name         string
	Platform     string
	AppVersion   string
	RegisteredAt time.Time
	LastSeenAt   time.Time
}

// IdempotencyEntry is the stored answer to a keyed write. A replay of the
// same key returns it unchanged.
type IdempotencyEntry struct {
	Key        string
	StatusCode int
	Body       json.RawMessage
	CreatedAt  time.Time
}
