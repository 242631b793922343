package models

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdempotencyKey_Format(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	k1, err := NewIdempotencyKey(EntityStockAdjustment, OperationCreate, now)
	require.NoError(t, err)
	k2, err := NewIdempotencyKey(EntityStockAdjustment, OperationCreate, now)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^stockAdjustment_create_1700000000123_[0-9a-f]{12}$`), k1)
	assert.NotEqual(t, k1, k2, "random suffix must differ")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to QueueStatus
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusConflict, true},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusProcessing, false},
		{StatusConflict, StatusCompleted, true},
		{StatusConflict, StatusProcessing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestQueueItem_Transition(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	item := &QueueItem{ID: 1, Status: StatusPending}

	require.NoError(t, item.Transition(StatusProcessing, now))
	require.NotNil(t, item.LastAttemptAt)
	assert.Equal(t, now, *item.LastAttemptAt)

	item.Error = "boom"
	require.NoError(t, item.Transition(StatusPending, now))
	assert.Empty(t, item.Error)

	require.NoError(t, item.Transition(StatusProcessing, now))
	require.NoError(t, item.Transition(StatusCompleted, now.Add(time.Second)))
	assert.True(t, item.IsTerminal())
	require.NotNil(t, item.CompletedAt)

	err := item.Transition(StatusPending, now)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQueueStats(t *testing.T) {
	var s QueueStats
	s.Add(StatusPending, 2)
	s.Add(StatusFailed, 1)
	s.Add(StatusCompleted, 5)
	s.Add(StatusConflict, 1)

	assert.Equal(t, 4, s.Outstanding())
	assert.Equal(t, 5, s.Completed)
}
