package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/posync/internal/flagx"
	"github.com/dmitrijs2005/posync/internal/timex"
)

// JSONConfig is the file format. Absent keys keep the current value.
type JSONConfig struct {
	Addr                  string         `json:"addr"`
	BasePath              *string        `json:"base_path"`
	Store                 string         `json:"store"`
	DatabaseDSN           string         `json:"database_dsn"`
	SecretKey             string         `json:"secret_key"`
	TokenValidityDuration timex.Duration `json:"token_validity_duration"`
	LogLevel              string         `json:"log_level"`
	LogFormat             string         `json:"log_format"`
}

// parseJSON overlays config with the file given by -c or -config.
func parseJSON(config *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	c := &JSONConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if c.Addr != "" {
		config.Addr = c.Addr
	}
	if c.BasePath != nil {
		config.BasePath = *c.BasePath
	}
	if c.Store != "" {
		config.Store = c.Store
	}
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.SecretKey != "" {
		config.SecretKey = c.SecretKey
	}
	if c.TokenValidityDuration.Duration != 0 {
		config.TokenValidityDuration = c.TokenValidityDuration.Duration
	}
	if c.LogLevel != "" {
		config.LogLevel = c.LogLevel
	}
	if c.LogFormat != "" {
		config.LogFormat = c.LogFormat
	}
	return nil
}
