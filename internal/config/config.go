// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir             string // Directory for the cache database (always absolute)
	LogLevel            string
	Port                int
	DevMode             bool
	CacheTTL            time.Duration
	SolverBackend       string // sqp or penalty
	FrontierWorkers     int
	MaxIterations       int
	MaintenanceSchedule string // cron spec for the cache maintenance job
}

// Load reads configuration from the environment, after loading .env if present
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		Port:                getEnvAsInt("PORT", 8001),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		CacheTTL:            time.Duration(getEnvAsInt("CACHE_TTL_MINUTES", 60)) * time.Minute,
		SolverBackend:       strings.ToLower(getEnv("SOLVER_BACKEND", "sqp")),
		FrontierWorkers:     getEnvAsInt("FRONTIER_WORKERS", runtime.NumCPU()),
		MaxIterations:       getEnvAsInt("MAX_ITERATIONS", 100),
		MaintenanceSchedule: getEnv("MAINTENANCE_SCHEDULE", "@every 1h"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	switch c.SolverBackend {
	case "sqp", "penalty":
	default:
		return fmt.Errorf("invalid SOLVER_BACKEND %q (must be sqp or penalty)", c.SolverBackend)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("invalid CACHE_TTL_MINUTES: must not be negative")
	}
	if c.FrontierWorkers < 1 {
		return fmt.Errorf("invalid FRONTIER_WORKERS %d", c.FrontierWorkers)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("invalid MAX_ITERATIONS %d", c.MaxIterations)
	}
	if strings.TrimSpace(c.MaintenanceSchedule) == "" {
		return fmt.Errorf("MAINTENANCE_SCHEDULE must not be empty")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
