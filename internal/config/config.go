// Package config holds the runtime settings of the chatty CLI. Settings
// are resolved in three layers, later ones overriding earlier: built-in
// defaults, an optional JSON file (-c/-config), then command-line flags.
package config

import "time"

// Config is the resolved runtime configuration.
//
// StoreDSN selects the shared document store: a Postgres DSN, or empty
// for the in-memory store (single-process demo mode). LocalDBPath is the
// device-local SQLite database holding keys and unread counters.
type Config struct {
	StoreDSN     string
	LocalDBPath  string
	DataDir      string
	PollInterval time.Duration
	Platform     string

	// Blob store settings for encrypted image attachments.
	S3Region    string
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.StoreDSN = ""
	c.DataDir = ".chatty"
	c.LocalDBPath = "chatty.db"
	c.PollInterval = 250 * time.Millisecond
	c.Platform = "cli"
	c.S3Region = "us-east-1"
	c.S3Bucket = "chatty-attachments"
}

// LoadConfig constructs a Config: defaults, then the JSON overlay, then
// flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
