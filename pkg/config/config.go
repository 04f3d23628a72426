// Package config loads the broker daemon's environment-driven
// configuration, the way the teacher's service layer loads one
// .env file per deployment environment via godotenv.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment is the deployment environment, selected by the
// BROKER_ENV variable.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case Development, Testing, Production:
		return Environment(s), true
	default:
		return "", false
	}
}

// Config holds the broker daemon's full runtime configuration.
type Config struct {
	Env Environment

	// Logging
	LogLevel  string
	LogFormat string

	// Chaos policy (C7)
	ChaosPolicyPath     string
	ChaosPolicyWatch    bool

	// Diagnostics export (C8/§6)
	DiagnosticsAddr string
	DiagnosticsPath string

	// IPC remote facade
	IPCPipeNamePrefix string

	// Remote broker dialing
	RemoteDialTimeout time.Duration

	// Lookup & precedence engine
	ResolveCacheSize int

	// Keepalive sweep (a standard cron expression; empty disables it)
	KeepaliveSchedule string
}

// Load reads BROKER_ENV, loads the matching config/<env>.env file if
// present, then overlays process environment variables.
func Load() (*Config, error) {
	envStr := os.Getenv("BROKER_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("config: invalid BROKER_ENV %q (must be development, testing, or production)", envStr)
	}

	envFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("config: warning: could not load %s: %v\n", envFile, err)
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.ChaosPolicyPath = getEnv("CHAOS_POLICY_PATH", "")
	c.ChaosPolicyWatch = getBoolEnv("CHAOS_POLICY_WATCH", true)

	c.DiagnosticsAddr = getEnv("DIAGNOSTICS_ADDR", ":8990")
	c.DiagnosticsPath = getEnv("DIAGNOSTICS_PATH", "/diagnostics")

	c.IPCPipeNamePrefix = getEnv("IPC_PIPE_NAME_PREFIX", "brokerd")

	dialTimeout := getEnv("REMOTE_DIAL_TIMEOUT", "5s")
	parsed, err := time.ParseDuration(dialTimeout)
	if err != nil {
		return fmt.Errorf("invalid REMOTE_DIAL_TIMEOUT: %w", err)
	}
	c.RemoteDialTimeout = parsed

	c.ResolveCacheSize = getIntEnv("RESOLVE_CACHE_SIZE", 1024)
	c.KeepaliveSchedule = getEnv("KEEPALIVE_SCHEDULE", "")

	return nil
}

// IsDevelopment reports whether Env is Development.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsProduction reports whether Env is Production.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate rejects a non-positive ResolveCacheSize in every
// environment; it applies no production-only constraint.
func (c *Config) Validate() error {
	if c.ResolveCacheSize <= 0 {
		return fmt.Errorf("config: RESOLVE_CACHE_SIZE must be positive")
	}
	if c.IsProduction() && c.ChaosPolicyPath == "" {
		return nil
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
