// Package config loads the tracker's unified runtime configuration with
// precedence: code defaults, then config/app.yaml, then environment
// variable overrides.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteBrowserConfig configures the remote browser service used by the
// ajax-dom and spa-drilldown extractors (spec §4.3).
type RemoteBrowserConfig struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"apiKey"`
	ProjectID   string `yaml:"projectId"`
	Proxy       bool   `yaml:"proxy"`
	Geolocation string `yaml:"geolocation"`
}

// IngestionConfig configures the HTTP ingestion endpoint's shared-secret auth.
type IngestionConfig struct {
	SharedKey string `yaml:"sharedKey"`
}

// WebhookConfig names a notification delivery target.
type WebhookConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// NotificationConfig configures the default and named per-channel webhooks.
type NotificationConfig struct {
	DefaultWebhookURL string          `yaml:"defaultWebhookUrl"`
	Channels          []WebhookConfig `yaml:"channels"`
}

// LocationConfig is one tracked retailer's scrape target.
type LocationConfig struct {
	RetailerID string `yaml:"retailerId"`
	URL        string `yaml:"url"`
	Platform   string `yaml:"platform"`
	Enabled    bool   `yaml:"enabled"`
}

// ScheduleConfig controls the orchestrator's tick cadence.
type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MigrationsDir   string        `yaml:"migrationsDir"`
	MaxConns        int32         `yaml:"maxConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// HTTPConfig configures the operator-facing API server.
type HTTPConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// AppConfig is the tracker's unified runtime configuration.
type AppConfig struct {
	Environment  string
	RemoteBrowser RemoteBrowserConfig
	Ingestion    IngestionConfig
	Notification NotificationConfig
	Locations    []LocationConfig
	Schedule     ScheduleConfig
	Database     DatabaseConfig
	HTTP         HTTPConfig
}

type appConfigYAML struct {
	Environment   string              `yaml:"environment"`
	RemoteBrowser RemoteBrowserConfig `yaml:"remoteBrowser"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Notification  NotificationConfig  `yaml:"notification"`
	Locations     []LocationConfig    `yaml:"locations"`
	Schedule      struct {
		Interval string `yaml:"interval"`
	} `yaml:"schedule"`
	Database struct {
		DSN             string `yaml:"dsn"`
		MigrationsDir   string `yaml:"migrationsDir"`
		MaxConns        int32  `yaml:"maxConns"`
		ConnMaxLifetime string `yaml:"connMaxLifetime"`
	} `yaml:"database"`
	HTTP struct {
		ListenAddr string `yaml:"listenAddr"`
	} `yaml:"http"`
}

// Load loads the unified configuration: defaults → YAML → env vars → validate.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx
	cfg := defaultAppConfig()

	if err := cfg.loadYAML(configPath); err != nil && !isConfigNotFoundError(err) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: "production",
		RemoteBrowser: RemoteBrowserConfig{
			Endpoint: "wss://browser.leafpulse.internal/session",
		},
		Schedule: ScheduleConfig{Interval: 15 * time.Minute},
		Database: DatabaseConfig{
			MigrationsDir:   "",
			MaxConns:        10,
			ConnMaxLifetime: time.Hour,
		},
		HTTP: HTTPConfig{ListenAddr: ":8080"},
	}
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("TRACKER_CONFIG")
	}
	if path == "" {
		path = "config/app.yaml"
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var doc appConfigYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if doc.Environment != "" {
		c.Environment = strings.ToLower(strings.TrimSpace(doc.Environment))
	}
	if doc.RemoteBrowser.Endpoint != "" {
		c.RemoteBrowser = doc.RemoteBrowser
	}
	if doc.Ingestion.SharedKey != "" {
		c.Ingestion.SharedKey = doc.Ingestion.SharedKey
	}
	if doc.Notification.DefaultWebhookURL != "" || len(doc.Notification.Channels) > 0 {
		c.Notification = doc.Notification
	}
	if len(doc.Locations) > 0 {
		c.Locations = doc.Locations
	}
	if doc.Schedule.Interval != "" {
		if dur, err := time.ParseDuration(doc.Schedule.Interval); err == nil {
			c.Schedule.Interval = dur
		}
	}
	if doc.Database.DSN != "" {
		c.Database.DSN = doc.Database.DSN
	}
	if doc.Database.MigrationsDir != "" {
		c.Database.MigrationsDir = doc.Database.MigrationsDir
	}
	if doc.Database.MaxConns > 0 {
		c.Database.MaxConns = doc.Database.MaxConns
	}
	if doc.Database.ConnMaxLifetime != "" {
		if dur, err := time.ParseDuration(doc.Database.ConnMaxLifetime); err == nil {
			c.Database.ConnMaxLifetime = dur
		}
	}
	if doc.HTTP.ListenAddr != "" {
		c.HTTP.ListenAddr = doc.HTTP.ListenAddr
	}
	return nil
}

func (c *AppConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("TRACKER_ENV")); v != "" {
		c.Environment = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_BROWSER_ENDPOINT")); v != "" {
		c.RemoteBrowser.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_BROWSER_API_KEY")); v != "" {
		c.RemoteBrowser.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_BROWSER_PROJECT_ID")); v != "" {
		c.RemoteBrowser.ProjectID = v
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_BROWSER_PROXY")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RemoteBrowser.Proxy = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_BROWSER_GEOLOCATION")); v != "" {
		c.RemoteBrowser.Geolocation = v
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_INGESTION_SHARED_KEY")); v != "" {
		c.Ingestion.SharedKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_DEFAULT_WEBHOOK_URL")); v != "" {
		c.Notification.DefaultWebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_HTTP_LISTEN_ADDR")); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_SCHEDULE_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Schedule.Interval = dur
		}
	}
}

// Validate checks the configuration has what every component needs to start.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be positive")
	}
	for i, loc := range c.Locations {
		if strings.TrimSpace(loc.RetailerID) == "" {
			return fmt.Errorf("locations[%d]: retailerId is required", i)
		}
		if strings.TrimSpace(loc.URL) == "" {
			return fmt.Errorf("locations[%d]: url is required", i)
		}
	}
	return nil
}

func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return os.IsNotExist(err) || strings.Contains(err.Error(), "open app config")
}

func openConfigFile(path string) (io.Reader, func(), error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(clean) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
