package config

import (
	"flag"
	"os"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/flagx"
)

// parseFlags overlays cfg with command-line flags:
//
//	-d string   document store DSN (empty runs the in-memory store)
//	-l string   local database path
//	-p int      change feed poll interval in milliseconds
//
// Only the flags handled here are parsed; everything else in os.Args is
// filtered out first so cobra's own flags pass through untouched.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-l", "-p"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.StoreDSN, "d", cfg.StoreDSN, "document store DSN")
	fs.StringVar(&cfg.LocalDBPath, "l", cfg.LocalDBPath, "local database path")
	pollMillis := fs.Int("p", int(cfg.PollInterval.Milliseconds()), "poll interval (in milliseconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.PollInterval = time.Duration(*pollMillis) * time.Millisecond
}
