// Package config provides environment-based configuration for kiln.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for a kiln process.
type Config struct {
	// WorkspaceFile is the kiln.yaml describing the workspace model.
	WorkspaceFile string

	// CacheDir is the root of the per-compiler persistent caches. Relative
	// values are resolved against the workspace root.
	CacheDir string

	// Remote is the address of a long-lived build process. Empty means the
	// build runs in-process.
	Remote string

	// PollInterval bounds how long the driver waits before re-checking
	// cancellation while a build is in flight.
	PollInterval time.Duration

	// BuildTimeout forcibly cancels a hung build. Zero disables it; only
	// verification harnesses set it.
	BuildTimeout time.Duration

	// MemoryLimit is the heap size in bytes above which change sessions are
	// invalidated. Zero disables the guard.
	MemoryLimit uint64

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		WorkspaceFile: getEnv("KILN_WORKSPACE", "kiln.yaml"),
		CacheDir:      getEnv("KILN_CACHE_DIR", filepath.Join(".kiln", "caches")),
		Remote:        getEnv("KILN_REMOTE", ""),
		PollInterval:  getDurationEnv("KILN_POLL_INTERVAL", 100*time.Millisecond),
		BuildTimeout:  getDurationEnv("KILN_BUILD_TIMEOUT", 0),
		MemoryLimit:   uint64(getIntEnv("KILN_MEMORY_LIMIT", 0)),
		LogLevel:      getEnv("KILN_LOG_LEVEL", "warn"),
		LogJSON:       getBoolEnv("KILN_LOG_JSON", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.WorkspaceFile == "" {
		return fmt.Errorf("config: workspace file is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("config: cache dir is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %s", c.PollInterval)
	}
	if c.BuildTimeout < 0 {
		return fmt.Errorf("config: build timeout must not be negative, got %s", c.BuildTimeout)
	}
	return nil
}

// ResolveCacheDir returns CacheDir as an absolute path, resolving relative
// values against root.
func (c *Config) ResolveCacheDir(root string) string {
	if filepath.IsAbs(c.CacheDir) {
		return c.CacheDir
	}
	return filepath.Join(root, c.CacheDir)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
