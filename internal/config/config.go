// Package config loads the application configuration from an optional YAML
// file (FAIRYCHESS_CONFIG) overlaid by environment variables. Environment
// always wins so deployments can override a checked-in file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	PlayerName string `yaml:"player_name"`

	DefaultVariant  string `yaml:"default_variant"`
	DefaultTimeMode string `yaml:"default_time_mode"`

	// FairnessHalfWidth is the half-width of the win-probability band around
	// 0.5 used to filter opponent candidates. Valid range (0, 0.5].
	FairnessHalfWidth float64 `yaml:"fairness_half_width"`

	OracleDepth    int `yaml:"oracle_depth"`
	OracleBudgetMS int `yaml:"oracle_budget_ms"`

	// OracleOpponent makes the local process answer moves with the oracle
	// instead of waiting for a remote human.
	OracleOpponent bool `yaml:"oracle_opponent"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DefaultVariant:    "standard",
		DefaultTimeMode:   "blitz (5 minutes)",
		FairnessHalfWidth: 0.3,
		OracleDepth:       2,
		OracleBudgetMS:    3000,
	}

	if path := strings.TrimSpace(os.Getenv("FAIRYCHESS_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PLAYER_NAME")); v != "" {
		cfg.PlayerName = v
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_VARIANT")); v != "" {
		cfg.DefaultVariant = v
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_TIME_MODE")); v != "" {
		cfg.DefaultTimeMode = v
	}
	if v := strings.TrimSpace(os.Getenv("FAIRNESS_HALF_WIDTH")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FairnessHalfWidth = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORACLE_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OracleDepth = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORACLE_BUDGET_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OracleBudgetMS = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORACLE_OPPONENT")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.OracleOpponent = b
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.PlayerName == "" {
		return nil, errors.New("PLAYER_NAME is required")
	}
	if cfg.FairnessHalfWidth <= 0 || cfg.FairnessHalfWidth > 0.5 {
		return nil, fmt.Errorf("fairness half-width %v out of range (0, 0.5]", cfg.FairnessHalfWidth)
	}
	return cfg, nil
}
