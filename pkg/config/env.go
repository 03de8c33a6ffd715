package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env carries ambient settings read from the environment rather than
// the run file.
type Env struct {
	// CacheDir is where session records are persisted.
	CacheDir string `env:"SWARM_CACHE_DIR"`

	// LogDir overrides the default log directory.
	LogDir string `env:"SWARM_LOG_DIR"`

	// SessionRetention is the cache eviction window.
	SessionRetention time.Duration `env:"SWARM_SESSION_RETENTION" envDefault:"168h"`

	// LogLevel is the minimum log level ("debug", "info", "warn",
	// "error"). Empty keeps everything.
	LogLevel string `env:"SWARM_LOG_LEVEL"`
}

// ParseEnv loads ambient settings from environment variables.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("config: parse env: %w", err)
	}
	return e, nil
}

// ResolveCacheDir returns the configured cache directory, defaulting
// to ~/.swarm/sessions.
func (e Env) ResolveCacheDir() (string, error) {
	if e.CacheDir != "" {
		return e.CacheDir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".swarm", "sessions"), nil
}
