// Package config parses the CLI flags and environment variables into one
// validated Config.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// Config is the fully validated, resolved configuration for one pipeline
// run.
type Config struct {
	Consumers   int
	BatchSize   int
	Limit       int
	MaxDuration int // seconds; 0 means unbounded

	PGHost     string
	PGPort     string
	PGUser     string
	PGPassword string
	PGDatabase string

	HTTPBinURL string
	LogLevel   string
	MockCPU    bool

	QueuePath  string
	JSONOutput bool
}

const (
	defaultConsumers   = 4
	defaultBatchSize   = 100
	defaultLimit       = 0
	defaultMaxDuration = 0
	defaultQueuePath   = "./work_queue.db"
	defaultLogLevel    = "info"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
}

// Load parses args (normally os.Args[1:]) and the process environment into
// a Config, returning a descriptive error for any invalid value: consumers
// >= 1, batch-size >= 1, limit >= 0, max-duration >= 0, and a recognized
// LOG_LEVEL.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("pipeline", pflag.ContinueOnError)

	consumers := fs.IntP("consumers", "c", defaultConsumers, "N consumer workers")
	batchSize := fs.IntP("batch-size", "b", defaultBatchSize, "producer page size")
	limit := fs.IntP("limit", "l", defaultLimit, "max rows to enqueue (0 = unbounded)")
	maxDuration := fs.IntP("max-duration", "t", defaultMaxDuration, "pipeline wall-clock seconds (0 = unbounded)")
	jsonOutput := fs.BoolP("json", "j", false, "emit the shutdown summary as JSON instead of plain text")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg := &Config{
		Consumers:   *consumers,
		BatchSize:   *batchSize,
		Limit:       *limit,
		MaxDuration: *maxDuration,

		PGHost:     envOr("PG_HOST", "localhost"),
		PGPort:     envOr("PG_PORT", "5432"),
		PGUser:     envOr("PG_USER", "postgres"),
		PGPassword: os.Getenv("PG_PASSWORD"),
		PGDatabase: envOr("PG_DATABASE", "postgres"),

		HTTPBinURL: envOr("HTTPBIN_URL", "https://httpbin.org"),
		LogLevel:   strings.ToLower(envOr("LOG_LEVEL", defaultLogLevel)),
		MockCPU:    strings.EqualFold(os.Getenv("MOCK_CPU_LOAD"), "true"),

		QueuePath:  envOr("QUEUE_DB_PATH", defaultQueuePath),
		JSONOutput: *jsonOutput,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Consumers < 1 {
		return fmt.Errorf("config: --consumers must be >= 1, got %d", c.Consumers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: --batch-size must be >= 1, got %d", c.BatchSize)
	}
	if c.Limit < 0 {
		return fmt.Errorf("config: --limit must be >= 0, got %d", c.Limit)
	}
	if c.MaxDuration < 0 {
		return fmt.Errorf("config: --max-duration must be >= 0, got %d", c.MaxDuration)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: LOG_LEVEL must be one of debug|info|warn|error|fatal, got %q", c.LogLevel)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
