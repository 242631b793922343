// Package factory selects and opens the storage engine at startup.
package factory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dmitrijs2005/posync/internal/client/docdb"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/storage/docstore"
	"github.com/dmitrijs2005/posync/internal/client/storage/sqlite"
	"github.com/dmitrijs2005/posync/internal/filex"
	"github.com/dmitrijs2005/posync/internal/logging"
)

// Document store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var ErrUnknownEngine = errors.New("unknown storage engine")

// Config holds the storage related settings.
type Config struct {
	Engine          storage.Engine
	DataDir         string
	SQLiteFile      string
	DocstoreBackend string
	Redis           docdb.RedisOptions
	// AutoMigrate copies an existing Redis docstore into a freshly selected
	// sqlite engine.
	AutoMigrate bool
}

// Resolve turns EngineAuto into a concrete engine.
func Resolve(cfg Config) (storage.Engine, error) {
	switch cfg.Engine {
	case storage.EngineSQLite, storage.EngineDocstore:
		return cfg.Engine, nil
	case storage.EngineAuto, "":
		if filex.Writable(cfg.DataDir) {
			return storage.EngineSQLite, nil
		}
		return storage.EngineDocstore, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

// Open returns the adapter for the configured engine.
func Open(ctx context.Context, cfg Config, log logging.Logger) (storage.Adapter, error) {
	engine, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	if engine == storage.EngineDocstore {
		return OpenDocstore(ctx, cfg)
	}

	a, err := OpenSQLite(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "storage opened", "engine", engine, "data_dir", cfg.DataDir)

	if cfg.AutoMigrate && cfg.DocstoreBackend == BackendRedis {
		rep, err := MigrateFromDocstore(ctx, cfg, a)
		if err != nil {
			// The previous store may simply be unreachable; the next start retries.
			log.Warn(ctx, "docstore migration skipped", "error", err)
		} else if !rep.AlreadyDone {
			log.Info(ctx, "docstore migrated", "copied", rep.Copied, "resumed_after", rep.Skipped)
		}
	}
	return a, nil
}

// OpenSQLite opens the relational engine under cfg.DataDir.
func OpenSQLite(ctx context.Context, cfg Config) (*sqlite.Adapter, error) {
	dir, err := filex.EnsureDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	name := cfg.SQLiteFile
	if name == "" {
		name = "posync.db"
	}
	return sqlite.Open(ctx, filepath.Join(dir, name))
}

// OpenDocstore opens the document engine on the configured backend.
func OpenDocstore(ctx context.Context, cfg Config) (*docstore.Adapter, error) {
	switch cfg.DocstoreBackend {
	case BackendMemory, "":
		return docstore.NewMemory(), nil
	case BackendRedis:
		b, err := docdb.NewRedisBackend(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return docstore.New(b), nil
	default:
		return nil, fmt.Errorf("unknown docstore backend %q", cfg.DocstoreBackend)
	}
}

// MigrateFromDocstore copies the configured docstore into dst. An empty
// source only marks the migration complete.
func MigrateFromDocstore(ctx context.Context, cfg Config, dst storage.Adapter) (storage.MigrationReport, error) {
	if dst.Engine() != storage.EngineSQLite {
		return storage.MigrationReport{}, fmt.Errorf("migration target must be sqlite, got %s", dst.Engine())
	}
	src, err := OpenDocstore(ctx, cfg)
	if err != nil {
		return storage.MigrationReport{}, err
	}
	defer func() { _ = src.Close() }()

	return storage.Migrate(ctx, src, dst)
}
