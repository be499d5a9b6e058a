// Package config loads and validates the tally server configuration and
// the three engine config files (message fields, index definitions,
// counter definitions).
//
// Precedence: environment (TALLY_*) > server config file (tally.yaml) >
// defaults. Engine config files are JSON; a .toml extension switches the
// decoder.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by db-backend.
const (
	BackendSQLite = "sqlite"
	BackendDolt   = "dolt"
)

// Config is the fully resolved server configuration.
type Config struct {
	WebPort int    `yaml:"web-port"`
	DataDir string `yaml:"data-dir"`

	DBBackend string `yaml:"db-backend"`
	DB        string `yaml:"db"`      // path (embedded) or DSN (server mode)
	DBName    string `yaml:"db-name"` // dolt server mode database name

	MessageConfigPath string `yaml:"message-config"`
	IndexConfigPath   string `yaml:"index-config"`
	CounterConfigPath string `yaml:"counter-config"`

	// EmbedFactData copies the fact payload into each index entry so
	// counter scans never join back to the facts table.
	EmbedFactData bool `yaml:"embed-fact-data"`

	LogSaveFrequency    int      `yaml:"log-save-frequency"`
	AllowedMessageTypes []int    `yaml:"allowed-message-types"`
	AllowedCounters     []string `yaml:"allowed-counters"`
	LogLevel            string   `yaml:"log-level"`
	FactTargetSize      int      `yaml:"fact-target-size"`

	QueryWorkers         int           `yaml:"query-workers"`
	QueryTimeout         time.Duration `yaml:"query-timeout"`
	WorkerAcquireTimeout time.Duration `yaml:"worker-acquire-timeout"`
	QueryConcurrency     int           `yaml:"query-concurrency"`

	// DepthLimit caps rows per counter scan; DepthFromMs skips entries
	// older than that many ms before the incoming message. Zero means
	// unbounded.
	DepthLimit  int64 `yaml:"depth-limit"`
	DepthFromMs int64 `yaml:"depth-from-ms"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		WebPort:              8080,
		DataDir:              ".tally",
		DBBackend:            BackendSQLite,
		DB:                   "",
		MessageConfigPath:    "tally.messages.json",
		IndexConfigPath:      "tally.indexes.json",
		CounterConfigPath:    "tally.counters.json",
		EmbedFactData:        true,
		LogSaveFrequency:     1000,
		LogLevel:             "INFO",
		FactTargetSize:       0,
		QueryWorkers:         8,
		QueryTimeout:         5 * time.Second,
		WorkerAcquireTimeout: 500 * time.Millisecond,
		QueryConcurrency:     16,
	}
}

// Load resolves the configuration: defaults, then the YAML server file
// at path (skipped when path is empty or missing), then TALLY_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := readServerFile(path, cfg); err != nil {
				return nil, err
			}
		}
	}

	v := viper.New()
	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	applyEnv(v, cfg)

	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(issues, "; "))
	}
	return cfg, nil
}

// applyEnv overlays any TALLY_* variables that are actually set.
func applyEnv(v *viper.Viper, cfg *Config) {
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v.IsSet(key) {
			*dst = v.GetInt64(key)
		}
	}
	setStr := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	setInt("web-port", &cfg.WebPort)
	setStr("data-dir", &cfg.DataDir)
	setStr("db-backend", &cfg.DBBackend)
	setStr("db", &cfg.DB)
	setStr("db-name", &cfg.DBName)
	setStr("message-config", &cfg.MessageConfigPath)
	setStr("index-config", &cfg.IndexConfigPath)
	setStr("counter-config", &cfg.CounterConfigPath)
	setBool("embed-fact-data", &cfg.EmbedFactData)
	setInt("log-save-frequency", &cfg.LogSaveFrequency)
	setStr("log-level", &cfg.LogLevel)
	setInt("fact-target-size", &cfg.FactTargetSize)
	setInt("query-workers", &cfg.QueryWorkers)
	setDur("query-timeout", &cfg.QueryTimeout)
	setDur("worker-acquire-timeout", &cfg.WorkerAcquireTimeout)
	setInt("query-concurrency", &cfg.QueryConcurrency)
	setInt64("depth-limit", &cfg.DepthLimit)
	setInt64("depth-from-ms", &cfg.DepthFromMs)

	if v.IsSet("allowed-message-types") {
		cfg.AllowedMessageTypes = parseIntList(v.GetString("allowed-message-types"))
	}
	if v.IsSet("allowed-counters") {
		cfg.AllowedCounters = parseStringList(v.GetString("allowed-counters"))
	}
}

// Validate returns a list of configuration problems.
// An empty list means the config is usable.
func (c *Config) Validate() []string {
	var issues []string

	if c.WebPort <= 0 || c.WebPort > 65535 {
		issues = append(issues, fmt.Sprintf("web-port: %d is out of range", c.WebPort))
	}
	if c.DBBackend != BackendSQLite && c.DBBackend != BackendDolt {
		issues = append(issues, fmt.Sprintf("db-backend: %q is invalid (valid values: sqlite, dolt)", c.DBBackend))
	}
	if c.QueryWorkers <= 0 {
		issues = append(issues, fmt.Sprintf("query-workers: %d must be positive", c.QueryWorkers))
	}
	if c.QueryConcurrency <= 0 {
		issues = append(issues, fmt.Sprintf("query-concurrency: %d must be positive", c.QueryConcurrency))
	}
	if c.QueryTimeout <= 0 {
		issues = append(issues, "query-timeout: must be positive")
	}
	if c.WorkerAcquireTimeout <= 0 {
		issues = append(issues, "worker-acquire-timeout: must be positive")
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		issues = append(issues, fmt.Sprintf("log-level: %q is invalid (valid values: DEBUG, INFO, WARN, ERROR)", c.LogLevel))
	}
	if c.DepthLimit < 0 {
		issues = append(issues, "depth-limit: must not be negative")
	}
	if c.DepthFromMs < 0 {
		issues = append(issues, "depth-from-ms: must not be negative")
	}
	return issues
}

// TypeAllowed reports whether message type t passes the optional
// whitelist. An empty whitelist allows everything.
func (c *Config) TypeAllowed(t int) bool {
	if len(c.AllowedMessageTypes) == 0 {
		return true
	}
	for _, a := range c.AllowedMessageTypes {
		if a == t {
			return true
		}
	}
	return false
}

func parseIntList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func parseStringList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
