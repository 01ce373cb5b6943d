package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/flagx"
)

// Duration unmarshals from either a string like "250ms" or integer
// nanoseconds, so JSON configs can use the readable form.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", data)
	}
}

// jsonConfig is the DTO for the JSON overlay. Zero values leave the
// corresponding Config field untouched.
type jsonConfig struct {
	StoreDSN     string   `json:"store_dsn"`
	LocalDBPath  string   `json:"local_db_path"`
	DataDir      string   `json:"data_dir"`
	PollInterval Duration `json:"poll_interval"`
	Platform     string   `json:"platform"`
	S3Region     string   `json:"s3_region"`
	S3Endpoint   string   `json:"s3_endpoint"`
	S3Bucket     string   `json:"s3_bucket"`
	S3AccessKey  string   `json:"s3_access_key"`
	S3SecretKey  string   `json:"s3_secret_key"`
}

// parseJson overlays cfg with values from the JSON file named by the
// -c/-config flag. No flag, no overlay. Read or parse failures panic;
// a misspelled config path should not silently run on defaults.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.StoreDSN != "" {
		cfg.StoreDSN = jc.StoreDSN
	}
	if jc.LocalDBPath != "" {
		cfg.LocalDBPath = jc.LocalDBPath
	}
	if jc.DataDir != "" {
		cfg.DataDir = jc.DataDir
	}
	if jc.PollInterval.Duration != 0 {
		cfg.PollInterval = jc.PollInterval.Duration
	}
	if jc.Platform != "" {
		cfg.Platform = jc.Platform
	}
	if jc.S3Region != "" {
		cfg.S3Region = jc.S3Region
	}
	if jc.S3Endpoint != "" {
		cfg.S3Endpoint = jc.S3Endpoint
	}
	if jc.S3Bucket != "" {
		cfg.S3Bucket = jc.S3Bucket
	}
	if jc.S3AccessKey != "" {
		cfg.S3AccessKey = jc.S3AccessKey
	}
	if jc.S3SecretKey != "" {
		cfg.S3SecretKey = jc.S3SecretKey
	}
}
