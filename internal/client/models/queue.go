package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/posync/internal/shared"
)

type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusConflict   QueueStatus = "conflict"
)

// DefaultMaxAttempts bounds transient retries of a single intent.
const DefaultMaxAttempts = 5

var ErrInvalidTransition = errors.New("invalid queue status transition")

var transitions = map[QueueStatus][]QueueStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusPending, StatusFailed, StatusConflict},
	StatusFailed:     {StatusPending},
	StatusConflict:   {StatusPending, StatusCompleted},
}

// CanTransition reports whether the queue state machine allows from -> to.
// failed -> pending and conflict -> pending/completed are only taken on an
// explicit retry or resolution.
func CanTransition(from, to QueueStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// QueueItem is one durable intent to mutate remote state.
type QueueItem struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Operation      Operation       `json:"operation"`
	Entity         Entity          `json:"entity"`
	EntityID       string          `json:"entityId"`
	Endpoint       string          `json:"endpoint"`
	Method         string          `json:"method"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         QueueStatus     `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	Error          string          `json:"error,omitempty"`
	Resolution     string          `json:"resolution,omitempty"`
	Force          bool            `json:"force,omitempty"`
	ServerData     json.RawMessage `json:"serverData,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// EntityKey identifies the record the item mutates, e.g. "sale:tmp_ab12".
func (q *QueueItem) EntityKey() string {
	return EntityKey(q.Entity, q.EntityID)
}

func EntityKey(e Entity, id string) string {
	return string(e) + ":" + id
}

// IsTerminal reports whether the processor will never pick the item again on
// its own.
func (q *QueueItem) IsTerminal() bool {
	switch q.Status {
	case StatusCompleted, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// Transition moves the item to status to, stamping bookkeeping fields.
func (q *QueueItem) Transition(to QueueStatus, now time.Time) error {
	if !CanTransition(q.Status, to) {
		return fmt.Errorf("%w: %s -> %s (item %d)", ErrInvalidTransition, q.Status, to, q.ID)
	}
	ts := now.UTC()
	switch to {
	case StatusProcessing:
		q.LastAttemptAt = &ts
	case StatusCompleted:
		q.CompletedAt = &ts
		q.Error = ""
	case StatusPending:
		q.Error = ""
	}
	q.Status = to
	return nil
}

// NewIdempotencyKey builds a key of the form entity_operation_timestamp_random.
func NewIdempotencyKey(entity Entity, op Operation, now time.Time) (string, error) {
	rnd, err := shared.MakeRandHexString(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%d_%s", entity, strings.ToLower(string(op)), now.UnixMilli(), rnd), nil
}

// QueueStats holds item counts per status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Conflict   int `json:"conflict"`
}

// Outstanding counts items the user still has to wait for or act on.
func (s QueueStats) Outstanding() int {
	return s.Pending + s.Processing + s.Failed + s.Conflict
}

// Add increments the counter for status by n.
func (s *QueueStats) Add(status QueueStatus, n int) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusProcessing:
		s.Processing += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusConflict:
		s.Conflict += n
	}
}
