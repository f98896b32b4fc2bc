// Package config loads pgcdc's configuration from an optional TOML file,
// environment variables, and CLI flags, in that order of increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// PostgresConfig describes the source connection and the replication slot
// this engine drives.
type PostgresConfig struct {
	URL             string `toml:"url"`
	Slot            string `toml:"slot"`
	SlotTemporary   bool   `toml:"slot_temporary"`
	Publication     string `toml:"publication"`
	ConsistentPoint string `toml:"consistent_point"`
}

// CheckpointConfig describes where the checkpoint store keeps its files.
type CheckpointConfig struct {
	Dir string `toml:"dir"`
}

// ClickHouseConfig describes the reference downstream sink. An empty
// Addr disables it; decoded transactions are logged instead of landed.
type ClickHouseConfig struct {
	Addr        []string `toml:"addr"`
	Database    string   `toml:"database"`
	User        string   `toml:"user"`
	Password    string   `toml:"password"`
	TablePrefix string   `toml:"table_prefix"`
}

// MetricsConfig describes the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Addr string `toml:"addr"` // empty disables the endpoint
}

// LoggingConfig controls the zerolog sink.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// Config is the top-level configuration for pgcdc: the engine knobs plus
// the ambient logging/metrics surface.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	ClickHouse ClickHouseConfig `toml:"clickhouse"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Logging    LoggingConfig    `toml:"logging"`
}

// Defaults returns a Config with the same baseline values the CLI flags
// default to.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Publication: "pgcdc",
		},
		Checkpoint: CheckpointConfig{
			Dir: "./pgcdc-checkpoints",
		},
		ClickHouse: ClickHouseConfig{
			Database:    "default",
			User:        "default",
			TablePrefix: "cdc_",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a Config from, in order: built-in defaults, an optional TOML
// file (explicit path, or the first of the well-known candidate paths that
// exists), then PGCDC_-prefixed environment overrides. CLI flags are
// layered on top by the caller, which has cobra's Command in scope.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{"./pgcdc.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pgcdc", "config.toml"))
	}
	candidates = append(candidates, "/etc/pgcdc/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PGCDC_PG_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("PGCDC_PG_SLOT"); v != "" {
		cfg.Postgres.Slot = v
	}
	if v := os.Getenv("PGCDC_PG_PUBLICATION"); v != "" {
		cfg.Postgres.Publication = v
	}
	if v := os.Getenv("PGCDC_PG_CONSISTENT_POINT"); v != "" {
		cfg.Postgres.ConsistentPoint = v
	}
	if v := os.Getenv("PGCDC_CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = strings.Split(v, ",")
	}
	if v := os.Getenv("PGCDC_CLICKHOUSE_DATABASE"); v != "" {
		cfg.ClickHouse.Database = v
	}
	if v := os.Getenv("PGCDC_CLICKHOUSE_USER"); v != "" {
		cfg.ClickHouse.User = v
	}
	if v := os.Getenv("PGCDC_CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("PGCDC_CHECKPOINT_DIR"); v != "" {
		cfg.Checkpoint.Dir = v
	}
	if v := os.Getenv("PGCDC_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("PGCDC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PGCDC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// ReplicationDSN returns the Postgres URL with replication=database set,
// the form the slot-administration and streaming connections need.
func (p PostgresConfig) ReplicationDSN() (string, error) {
	return withQueryParam(p.URL, "replication", "database")
}

// QueryDSN returns the Postgres URL unmodified, for the plain connection
// used to query pg_replication_slots.
func (p PostgresConfig) QueryDSN() string {
	return p.URL
}

func withQueryParam(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("config: parse postgres url: %w", err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Validate checks the fields required for the engine to start. Slot and
// ConsistentPoint are intentionally optional: an empty slot
// name is generated at bootstrap, and an empty ConsistentPoint only
// matters for the empty/empty reconciliation branch.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres.url (--pg-url) is required"))
	}
	if c.Postgres.Publication == "" {
		errs = append(errs, errors.New("postgres.publication (--pg-publication) is required"))
	}
	if c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir (--checkpoint-dir) is required"))
	}
	return errors.Join(errs...)
}
