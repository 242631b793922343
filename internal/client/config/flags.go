package config

import (
	"flag"
	"io"
	"time"

	"github.com/dmitrijs2005/posync/internal/flagx"
)

var knownFlags = []string{"-a", "-e", "-d", "-s", "-i", "-l"}

// parseFlags overlays cfg with the short command-line flags:
//
//	-a string   base URL of the sync API
//	-e string   storage engine: auto, sqlite or docstore
//	-d string   data directory
//	-s string   status API address, "" disables it
//	-i int      online check interval in seconds
//	-l string   log level
//
// Other arguments are filtered out with flagx.FilterArgs.
func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("posync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "base URL of the sync API")
	fs.StringVar(&cfg.StorageEngine, "e", cfg.StorageEngine, "storage engine (auto|sqlite|docstore)")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.StatusAddr, "s", cfg.StatusAddr, "status API address")
	interval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(flagx.FilterArgs(args, knownFlags)); err != nil {
		return err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "i" {
			cfg.OnlineCheckInterval = time.Duration(*interval) * time.Second
		}
	})
	return nil
}
