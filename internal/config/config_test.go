package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesYAMLThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	yamlBody := `
environment: staging
database:
  dsn: postgres://localhost/tracker_test
schedule:
  interval: 5m
locations:
  - retailerId: r1
    url: https://example.test/menu
    platform: ssr-json
    enabled: true
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	t.Setenv("TRACKER_SCHEDULE_INTERVAL", "10m")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("expected yaml environment to apply, got %q", cfg.Environment)
	}
	if cfg.Schedule.Interval != 10*time.Minute {
		t.Fatalf("expected env override to win, got %v", cfg.Schedule.Interval)
	}
	if len(cfg.Locations) != 1 || cfg.Locations[0].RetailerID != "r1" {
		t.Fatalf("expected one location from yaml, got %+v", cfg.Locations)
	}
}

func TestLoadFailsValidationWithoutDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	if err := os.WriteFile(path, []byte("environment: dev\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected validation error without database.dsn")
	}
}
