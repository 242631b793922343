package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/conflict"
	"github.com/dmitrijs2005/posync/internal/client/docdb"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/orchestrator"
	"github.com/dmitrijs2005/posync/internal/client/queue"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/storage/factory"
)

// EnvPrefix prefixes every environment variable, e.g. POSYNC_SERVER_URL.
const EnvPrefix = "POSYNC"

// Config holds runtime settings of the sync client.
type Config struct {
	ServerURL string `envconfig:"SERVER_URL"`

	StorageEngine   string `envconfig:"STORAGE_ENGINE"`
	DataDir         string `envconfig:"DATA_DIR"`
	SQLiteFile      string `envconfig:"SQLITE_FILE"`
	DocstoreBackend string `envconfig:"DOCSTORE_BACKEND"`
	AutoMigrate     bool   `envconfig:"AUTO_MIGRATE"`
	RedisAddr       string `envconfig:"REDIS_ADDR"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	RedisDB         int    `envconfig:"REDIS_DB"`
	RedisPrefix     string `envconfig:"REDIS_PREFIX"`

	OnlineCheckInterval time.Duration `envconfig:"ONLINE_CHECK_INTERVAL"`
	OnlineDebounce      time.Duration `envconfig:"ONLINE_DEBOUNCE"`
	PingTimeout         time.Duration `envconfig:"PING_TIMEOUT"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT"`

	QueueMaxAttempts     int           `envconfig:"QUEUE_MAX_ATTEMPTS"`
	QueueBaseDelay       time.Duration `envconfig:"QUEUE_BASE_DELAY"`
	QueueMaxDelay        time.Duration `envconfig:"QUEUE_MAX_DELAY"`
	QueueBatchSize       int           `envconfig:"QUEUE_BATCH_SIZE"`
	DrainInterval        time.Duration `envconfig:"DRAIN_INTERVAL"`
	StaleProcessingAfter time.Duration `envconfig:"STALE_PROCESSING_AFTER"`
	CompletedRetention   time.Duration `envconfig:"COMPLETED_RETENTION"`

	SyncInterval       time.Duration     `envconfig:"SYNC_INTERVAL"`
	SyncEntities       []string          `envconfig:"SYNC_ENTITIES"`
	ConflictDefault    string            `envconfig:"CONFLICT_DEFAULT"`
	ConflictStrategies map[string]string `envconfig:"CONFLICT_STRATEGIES"`

	StatusAddr string `envconfig:"STATUS_ADDR"`
	// Headless disables the console.
	Headless   bool   `envconfig:"HEADLESS"`
	DeviceName string `envconfig:"DEVICE_NAME"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	LogFormat  string `envconfig:"LOG_FORMAT"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	*c = Config{
		ServerURL:            "http://127.0.0.1:8080/api",
		StorageEngine:        string(storage.EngineAuto),
		DataDir:              ".",
		SQLiteFile:           "posync.db",
		DocstoreBackend:      factory.BackendMemory,
		AutoMigrate:          true,
		RedisAddr:            "127.0.0.1:6379",
		RedisPrefix:          "posync",
		OnlineCheckInterval:  3 * time.Second,
		OnlineDebounce:       time.Second,
		PingTimeout:          3 * time.Second,
		RequestTimeout:       15 * time.Second,
		QueueMaxAttempts:     models.DefaultMaxAttempts,
		QueueBaseDelay:       2 * time.Second,
		QueueMaxDelay:        5 * time.Minute,
		QueueBatchSize:       1,
		DrainInterval:        30 * time.Second,
		StaleProcessingAfter: 2 * time.Minute,
		CompletedRetention:   24 * time.Hour,
		SyncInterval:         5 * time.Minute,
		SyncEntities:         slices.Clone(models.SyncCollections),
		ConflictDefault:      string(conflict.Manual),
		ConflictStrategies:   map[string]string{},
		StatusAddr:           "127.0.0.1:7420",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load builds a Config from defaults, the JSON file named by -c/-config,
// a .env file, the environment and finally the command-line flags in args.
// Later sources override earlier ones.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseJSON(cfg, args); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg, ".env"); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is empty"))
	}
	switch storage.Engine(c.StorageEngine) {
	case storage.EngineAuto, storage.EngineSQLite, storage.EngineDocstore:
	default:
		errs = append(errs, fmt.Errorf("storage_engine %q: want auto, sqlite or docstore", c.StorageEngine))
	}
	switch c.DocstoreBackend {
	case factory.BackendMemory, factory.BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("docstore_backend %q: want memory or redis", c.DocstoreBackend))
	}
	for _, e := range c.SyncEntities {
		if _, ok := models.EntityForCollection(e); !ok {
			errs = append(errs, fmt.Errorf("sync_entities: unknown collection %q", e))
		}
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"online_check_interval": c.OnlineCheckInterval,
		"request_timeout":       c.RequestTimeout,
		"drain_interval":        c.DrainInterval,
		"sync_interval":         c.SyncInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.QueueMaxAttempts <= 0 {
		errs = append(errs, errors.New("queue_max_attempts must be positive"))
	}
	return errors.Join(errs...)
}

// Policy builds the conflict policy.
func (c *Config) Policy() (conflict.Policy, error) {
	return conflict.NewPolicy(c.ConflictDefault, c.ConflictStrategies)
}

func (c *Config) Storage() factory.Config {
	return factory.Config{
		Engine:          storage.Engine(c.StorageEngine),
		DataDir:         c.DataDir,
		SQLiteFile:      c.SQLiteFile,
		DocstoreBackend: c.DocstoreBackend,
		AutoMigrate:     c.AutoMigrate,
		Redis: docdb.RedisOptions{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Prefix:   c.RedisPrefix,
		},
	}
}

func (c *Config) Queue() queue.Config {
	return queue.Config{
		MaxAttempts:    c.QueueMaxAttempts,
		BaseDelay:      c.QueueBaseDelay,
		MaxDelay:       c.QueueMaxDelay,
		RequestTimeout: c.RequestTimeout,
		StaleAfter:     c.StaleProcessingAfter,
		BatchSize:      c.QueueBatchSize,
	}
}

func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		DrainInterval:       c.DrainInterval,
		SyncInterval:        c.SyncInterval,
		OnlineCheckInterval: c.OnlineCheckInterval,
		CompletedRetention:  c.CompletedRetention,
		RequestTimeout:      c.RequestTimeout,
		DeviceName:          c.DeviceName,
	}
}
