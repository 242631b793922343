// Package repomanager vends the server repositories and runs units of work
// against them.
package repomanager

import (
	"context"

	"github.com/dmitrijs2005/posync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/posync/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/posync/internal/server/repositories/records"
)

// Repositories is the set of repositories bound to one unit of work.
type Repositories interface {
	Records() records.Repository
	Devices() devices.Repository
	Idempotency() idempotency.Repository
	// LockKey serializes units of work touching the same idempotency key
	// until the current one ends.
	LockKey(ctx context.Context, key string) error
}

type RepositoryManager interface {
	// WithTx runs fn in a transaction. Every change fn made is discarded
	// when it returns an error.
	WithTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
	RunMigrations(ctx context.Context) error
	Close() error
}
