package sqlite

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/storage/storagetest"
)

var dbSeq atomic.Int64

// newTestAdapter opens a private in-memory database.
func newTestAdapter(t *testing.T) storage.Adapter {
	t.Helper()
	dsn := fmt.Sprintf("file:posync_test_%d?mode=memory", dbSeq.Add(1))
	a, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	return a
}

func TestAdapter_Conformance(t *testing.T) {
	storagetest.Run(t, newTestAdapter)
}

func TestOpen_MigratesIdempotently(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, "file:posync_migrate?mode=memory")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, Migrate(ctx, a.db), "second run is a no-op")
	require.Equal(t, storage.EngineSQLite, a.Engine())

	var n int
	require.NoError(t, a.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN
		('metadata','sync_queue','products','categories','parties','sales','stock_adjustments')`).Scan(&n))
	require.Equal(t, 7, n)
}
