// Package config loads runtime configuration for the posync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. A .env file in the working directory, if present.
//  4. POSYNC_* environment variables.
//  5. Command-line flags, which override everything else.
//
// Supported flags
//
//	-a string   base URL of the sync API
//	-e string   storage engine (auto|sqlite|docstore)
//	-d string   data directory
//	-s string   status API address
//	-i int      online status check interval (seconds)
//	-l string   log level
//
// # JSON schema
//
// Durations use timex.Duration, so values can be strings like "3s" or integer
// nanoseconds:
//
//	{
//	  "server_url": "https://pos.example.com/api",
//	  "storage_engine": "auto",
//	  "online_check_interval": "3s",
//	  "conflict_strategies": {"product": "server_wins"}
//	}
package config
