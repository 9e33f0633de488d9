// Package config loads ledger configuration from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledger/internal/budget"
	"github.com/roach88/ledger/internal/trajectory"
)

// Environment variables read by Load.
const (
	EnvDataDir  = "LEDGER_DATA_DIR"
	EnvAppName  = "LEDGER_APP_NAME"
	EnvIndex    = "LEDGER_INDEX"
	EnvLogLevel = "LEDGER_LOG_LEVEL"
)

// Dedupe index backends.
const (
	IndexMemory = "memory"
	IndexSQLite = "sqlite"
)

var (
	validIndexes   = []string{IndexMemory, IndexSQLite}
	validLogLevels = []string{"debug", "info", "warn", "error"}
)

// Config holds all ledger configuration.
type Config struct {
	// DataDir holds every log and the claim index.
	DataDir string `yaml:"data_dir"`
	// AppName is the scope key of commands deduplicated in app scope.
	AppName string `yaml:"app_name"`
	// Index selects the dedupe index backend: memory or sqlite.
	Index    string `yaml:"index"`
	LogLevel string `yaml:"log_level"`

	Retention trajectory.RetentionPolicy `yaml:"retention"`
	Budget    budget.Policy              `yaml:"budget"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir:   ".ledger",
		AppName:   "ledger",
		Index:     IndexMemory,
		LogLevel:  "info",
		Retention: trajectory.DefaultRetentionPolicy(),
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result. A missing file is an error; an empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving unset fields untouched. Unknown keys
// are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DataDir = envStr(EnvDataDir, c.DataDir)
	c.AppName = envStr(EnvAppName, c.AppName)
	c.Index = strings.ToLower(envStr(EnvIndex, c.Index))
	c.LogLevel = strings.ToLower(envStr(EnvLogLevel, c.LogLevel))
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("config: data_dir is required"))
	}
	if !slices.Contains(validIndexes, c.Index) {
		errs = append(errs, fmt.Errorf("config: index must be one of %v, got %q", validIndexes, c.Index))
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("config: log_level must be one of %v, got %q", validLogLevels, c.LogLevel))
	}
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if err := c.Budget.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	return errors.Join(errs...)
}

// SlogLevel converts LogLevel for a slog handler.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
