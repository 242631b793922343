package queue

import (
	"time"

	"github.com/dmitrijs2005/posync/internal/client/models"
)

// Delay returns how long an item that already failed attempts times has to
// wait after its last attempt: base * 2^(attempts-1), capped at max.
func Delay(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// NextAttemptAt is the earliest time item may be replayed again.
func NextAttemptAt(item *models.QueueItem, base, max time.Duration) time.Time {
	if item.LastAttemptAt == nil || item.Attempts == 0 {
		return item.CreatedAt
	}
	return item.LastAttemptAt.Add(Delay(item.Attempts, base, max))
}

// Eligible reports whether a pending item may be replayed at now.
func Eligible(item *models.QueueItem, now time.Time, base, max time.Duration) bool {
	if item.Status != models.StatusPending {
		return false
	}
	return !now.Before(NextAttemptAt(item, base, max))
}
