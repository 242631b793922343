package storage

import "errors"

// ErrDuplicateIntent is returned by Enqueue for an idempotency key that is
// already queued.
var ErrDuplicateIntent = errors.New("duplicate queue intent")
