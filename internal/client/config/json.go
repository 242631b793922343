package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/posync/internal/flagx"
	"github.com/dmitrijs2005/posync/internal/timex"
)

// JSONConfig is the file format. Durations use timex.Duration so they can be
// written as "3s" or as integer nanoseconds. Absent keys keep the current
// value.
type JSONConfig struct {
	ServerURL string `json:"server_url"`

	StorageEngine   string `json:"storage_engine"`
	DataDir         string `json:"data_dir"`
	SQLiteFile      string `json:"sqlite_file"`
	DocstoreBackend string `json:"docstore_backend"`
	AutoMigrate     *bool  `json:"auto_migrate"`
	RedisAddr       string `json:"redis_addr"`
	RedisPassword   string `json:"redis_password"`
	RedisDB         *int   `json:"redis_db"`
	RedisPrefix     string `json:"redis_prefix"`

	OnlineCheckInterval timex.Duration `json:"online_check_interval"`
	OnlineDebounce      timex.Duration `json:"online_debounce"`
	PingTimeout         timex.Duration `json:"ping_timeout"`
	RequestTimeout      timex.Duration `json:"request_timeout"`

	QueueMaxAttempts     int            `json:"queue_max_attempts"`
	QueueBaseDelay       timex.Duration `json:"queue_base_delay"`
	QueueMaxDelay        timex.Duration `json:"queue_max_delay"`
	QueueBatchSize       int            `json:"queue_batch_size"`
	DrainInterval        timex.Duration `json:"drain_interval"`
	StaleProcessingAfter timex.Duration `json:"stale_processing_after"`
	CompletedRetention   timex.Duration `json:"completed_retention"`

	SyncInterval       timex.Duration    `json:"sync_interval"`
	SyncEntities       []string          `json:"sync_entities"`
	ConflictDefault    string            `json:"conflict_default"`
	ConflictStrategies map[string]string `json:"conflict_strategies"`

	StatusAddr *string `json:"status_addr"`
	Headless   *bool   `json:"headless"`
	DeviceName string  `json:"device_name"`
	LogLevel   string  `json:"log_level"`
	LogFormat  string  `json:"log_format"`
}

// parseJSON overlays cfg with the file named by -c/-config in args. Without
// such a flag nothing happens.
func parseJSON(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var jc JSONConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	jc.apply(cfg)
	return nil
}

func (jc *JSONConfig) apply(cfg *Config) {
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, v timex.Duration) {
		if v.Duration != 0 {
			*dst = v.Duration
		}
	}

	str(&cfg.ServerURL, jc.ServerURL)
	str(&cfg.StorageEngine, jc.StorageEngine)
	str(&cfg.DataDir, jc.DataDir)
	str(&cfg.SQLiteFile, jc.SQLiteFile)
	str(&cfg.DocstoreBackend, jc.DocstoreBackend)
	if jc.AutoMigrate != nil {
		cfg.AutoMigrate = *jc.AutoMigrate
	}
	str(&cfg.RedisAddr, jc.RedisAddr)
	str(&cfg.RedisPassword, jc.RedisPassword)
	if jc.RedisDB != nil {
		cfg.RedisDB = *jc.RedisDB
	}
	str(&cfg.RedisPrefix, jc.RedisPrefix)

	dur(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	dur(&cfg.OnlineDebounce, jc.OnlineDebounce)
	dur(&cfg.PingTimeout, jc.PingTimeout)
	dur(&cfg.RequestTimeout, jc.RequestTimeout)

	num(&cfg.QueueMaxAttempts, jc.QueueMaxAttempts)
	dur(&cfg.QueueBaseDelay, jc.QueueBaseDelay)
	dur(&cfg.QueueMaxDelay, jc.QueueMaxDelay)
	num(&cfg.QueueBatchSize, jc.QueueBatchSize)
	dur(&cfg.DrainInterval, jc.DrainInterval)
	dur(&cfg.StaleProcessingAfter, jc.StaleProcessingAfter)
	dur(&cfg.CompletedRetention, jc.CompletedRetention)

	dur(&cfg.SyncInterval, jc.SyncInterval)
	if len(jc.SyncEntities) > 0 {
		cfg.SyncEntities = jc.SyncEntities
	}
	str(&cfg.ConflictDefault, jc.ConflictDefault)
	if len(jc.ConflictStrategies) > 0 {
		cfg.ConflictStrategies = jc.ConflictStrategies
	}

	// An explicit "" disables the status API.
	if jc.StatusAddr != nil {
		cfg.StatusAddr = *jc.StatusAddr
	}
	if jc.Headless != nil {
		cfg.Headless = *jc.Headless
	}
	str(&cfg.DeviceName, jc.DeviceName)
	str(&cfg.LogLevel, jc.LogLevel)
	str(&cfg.LogFormat, jc.LogFormat)
}
