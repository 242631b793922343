package metadata

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/docdb"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE metadata (
  key   TEXT PRIMARY KEY,
  value BLOB NOT NULL
);`)
	require.NoError(t, err)
	return db
}

func engines(t *testing.T) map[string]storage.MetadataRepository {
	return map[string]storage.MetadataRepository{
		"sqlite":   NewSQLiteRepository(setupDB(t)),
		"docstore": NewDocRepository(docdb.NewStore(docdb.NewMemoryBackend()).Session()),
	}
}

func TestRepository_Contract(t *testing.T) {
	for name, r := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := r.Get(ctx, "absent")
			require.NoError(t, err)
			require.Nil(t, v, "missing key must be (nil, nil)")

			require.NoError(t, r.Set(ctx, storage.KeyCheckpoint, []byte("T0")))
			require.NoError(t, r.Set(ctx, storage.KeyCheckpoint, []byte("T1")))
			require.NoError(t, r.Set(ctx, storage.KeyDeviceID, []byte("dev")))

			v, err = r.Get(ctx, storage.KeyCheckpoint)
			require.NoError(t, err)
			assert.Equal(t, []byte("T1"), v)

			m, err := r.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{
				storage.KeyCheckpoint: []byte("T1"),
				storage.KeyDeviceID:   []byte("dev"),
			}, m)

			require.NoError(t, r.Delete(ctx, storage.KeyDeviceID))
			require.NoError(t, r.Delete(ctx, storage.KeyDeviceID), "delete is idempotent")

			require.NoError(t, r.Clear(ctx))
			m, err = r.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, m)
		})
	}
}

func TestSQLite_ClosedDB_ReturnsStorageError(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Close())

	_, err := r.Get(ctx, "k")
	require.ErrorIs(t, err, common.ErrStorage)
	require.Contains(t, err.Error(), "get metadata[k]")

	err = r.Set(ctx, "k", []byte("v"))
	require.ErrorIs(t, err, common.ErrStorage)
	require.Contains(t, err.Error(), "set metadata[k]")

	err = r.Delete(ctx, "k")
	require.Contains(t, err.Error(), "delete metadata[k]")

	err = r.Clear(ctx)
	require.Contains(t, err.Error(), "clear metadata")

	_, err = r.List(ctx)
	require.Contains(t, err.Error(), "list metadata")
}
