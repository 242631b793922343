package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/docdb"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/logging"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name    string
		cfg     Config
		want    storage.Engine
		wantErr bool
	}{
		{"explicit sqlite", Config{Engine: storage.EngineSQLite, DataDir: file}, storage.EngineSQLite, false},
		{"explicit docstore", Config{Engine: storage.EngineDocstore, DataDir: dir}, storage.EngineDocstore, false},
		{"auto writable", Config{Engine: storage.EngineAuto, DataDir: dir}, storage.EngineSQLite, false},
		{"empty means auto", Config{DataDir: dir}, storage.EngineSQLite, false},
		{"auto read-only", Config{Engine: storage.EngineAuto, DataDir: file}, storage.EngineDocstore, false},
		{"unknown", Config{Engine: "bolt"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.cfg)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownEngine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen_SQLiteInDataDir(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")

	a, err := Open(ctx, Config{Engine: storage.EngineAuto, DataDir: dir, SQLiteFile: "test.db"}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, storage.EngineSQLite, a.Engine())
	require.NoError(t, a.Metadata().Set(ctx, storage.KeyDeviceID, []byte("dev-1")))

	_, err = os.Stat(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
}

func TestOpen_DocstoreFallback(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	a, err := Open(context.Background(), Config{Engine: storage.EngineAuto, DataDir: file}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Equal(t, storage.EngineDocstore, a.Engine())
}

func TestOpenDocstore_UnknownBackend(t *testing.T) {
	_, err := OpenDocstore(context.Background(), Config{DocstoreBackend: "leveldb"})
	require.Error(t, err)
}

func TestOpen_AutoMigrateToleratesUnreachableRedis(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Engine:          storage.EngineSQLite,
		DataDir:         t.TempDir(),
		DocstoreBackend: BackendRedis,
		Redis:           docdb.RedisOptions{Addr: "127.0.0.1:1"},
		AutoMigrate:     true,
	}

	a, err := Open(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	progress, err := storage.LoadMigrationProgress(ctx, a)
	require.NoError(t, err)
	assert.False(t, progress.Completed)
}

func TestMigrateFromDocstore(t *testing.T) {
	ctx := context.Background()
	dst, err := OpenSQLite(ctx, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Close() })

	rep, err := MigrateFromDocstore(ctx, Config{DocstoreBackend: BackendMemory}, dst)
	require.NoError(t, err)
	assert.Zero(t, rep.Copied[storage.StepQueue])

	progress, err := storage.LoadMigrationProgress(ctx, dst)
	require.NoError(t, err)
	assert.True(t, progress.Completed)

	_, err = MigrateFromDocstore(ctx, Config{}, mustDocstore(t))
	require.Error(t, err, "target must be sqlite")
}

func TestMigrateFromRedis(t *testing.T) {
	addr := os.Getenv("POSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POSYNC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	cfg := Config{DocstoreBackend: BackendRedis, Redis: docdb.RedisOptions{Addr: addr, Prefix: "posync_test_" + t.Name()}}

	src, err := OpenDocstore(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, src.Metadata().Set(ctx, storage.KeyCheckpoint, []byte("T9")))
	t.Cleanup(func() {
		_ = src.Metadata().Clear(ctx)
		_ = src.Close()
	})

	dst, err := OpenSQLite(ctx, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Close() })

	_, err = MigrateFromDocstore(ctx, cfg, dst)
	require.NoError(t, err)

	cp, err := dst.Metadata().Get(ctx, storage.KeyCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, "T9", string(cp))
}

func mustDocstore(t *testing.T) storage.Adapter {
	t.Helper()
	a, err := OpenDocstore(context.Background(), Config{})
	require.NoError(t, err)
	return a
}
