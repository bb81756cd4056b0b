package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := []byte("redis_url: redis://file:6379/0\nplayer_name: filename\nfairness_half_width: 0.2\noracle_depth: 3\n")
	if err := os.WriteFile(path, raw, 0o600); err != nil { t.Fatalf("write: %v", err) }

	t.Setenv("FAIRYCHESS_CONFIG", path)
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("PLAYER_NAME", "")

	cfg, err := Load()
	if err != nil { t.Fatalf("Load: %v", err) }
	if cfg.RedisURL != "redis://env:6379/1" {
		t.Fatalf("env should win over file: %q", cfg.RedisURL)
	}
	if cfg.PlayerName != "filename" { t.Fatalf("file value lost: %q", cfg.PlayerName) }
	if cfg.FairnessHalfWidth != 0.2 || cfg.OracleDepth != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DefaultVariant != "standard" || cfg.DefaultTimeMode != "blitz (5 minutes)" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("FAIRYCHESS_CONFIG", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("PLAYER_NAME", "alice")
	if _, err := Load(); err == nil {
		t.Fatalf("missing redis url should fail")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("FAIRNESS_HALF_WIDTH", "0.9")
	if _, err := Load(); err == nil {
		t.Fatalf("out-of-range fairness band should fail")
	}
	t.Setenv("FAIRNESS_HALF_WIDTH", "0.3")
	cfg, err := Load()
	if err != nil { t.Fatalf("Load: %v", err) }
	if cfg.PlayerName != "alice" { t.Fatalf("player name lost: %+v", cfg) }
}
