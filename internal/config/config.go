// Package config holds the explicit configuration for the daykeep store.
//
// Nothing in this package is read implicitly by other components; a Config is
// constructed once (defaults, optional YAML file, env overrides) and injected.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the on-disk representation of live collections.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultEntities are the entity types the original application persists.
var DefaultEntities = []string{"tasks", "habits", "lists", "templates"}

// Config is the full configuration surface of the store subsystem.
type Config struct {
	DataDir           string        `yaml:"data_dir"`
	Backend           string        `yaml:"backend"` // "file" or "sqlite"
	Entities          []string      `yaml:"entities"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	BackupMinInterval time.Duration `yaml:"backup_min_interval"`
	RetainCount       int           `yaml:"retain_count"`
	RetainDays        int           `yaml:"retain_days"`
	AutosaveInterval  time.Duration `yaml:"autosave_interval"`
}

// Default returns the baseline configuration with the data directory
// under the user's home.
func Default() Config {
	dataDir := ".daykeep"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".daykeep")
	}
	return Config{
		DataDir:           dataDir,
		Backend:           BackendFile,
		Entities:          append([]string(nil), DefaultEntities...),
		LockTimeout:       5 * time.Second,
		BackupMinInterval: time.Hour,
		RetainCount:       20,
		RetainDays:        30,
		AutosaveInterval:  2 * time.Minute,
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// FromEnv applies DAYKEEP_* environment overrides on top of cfg.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("DAYKEEP_DATA"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DAYKEEP_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("DAYKEEP_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockTimeout = d
		}
	}
	if v := os.Getenv("DAYKEEP_BACKUP_MIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BackupMinInterval = d
		}
	}
	if v := os.Getenv("DAYKEEP_RETAIN_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetainCount = n
		}
	}
	if v := os.Getenv("DAYKEEP_RETAIN_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetainDays = n
		}
	}
	return cfg
}

// Validate rejects configurations the store cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Backend != BackendFile && c.Backend != BackendSQLite {
		return fmt.Errorf("backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Backend)
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("at least one entity type is required")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}
	if c.RetainCount < 0 || c.RetainDays < 0 {
		return fmt.Errorf("retention settings must not be negative")
	}
	return nil
}

// BackupDir returns the archive directory under the data directory.
func (c Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}
