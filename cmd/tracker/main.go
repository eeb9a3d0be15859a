// Command tracker launches the dispensary menu-tracking service: it wires
// storage, extraction, ingestion, notification, retry, and health-monitoring
// components and serves the operational HTTP API until a shutdown signal
// arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/config"
	"github.com/leafpulse/tracker/internal/extract"
	"github.com/leafpulse/tracker/internal/extract/ajaxdom"
	"github.com/leafpulse/tracker/internal/extract/spadrill"
	"github.com/leafpulse/tracker/internal/extract/ssrjson"
	"github.com/leafpulse/tracker/internal/health"
	"github.com/leafpulse/tracker/internal/httpapi"
	"github.com/leafpulse/tracker/internal/ingest"
	"github.com/leafpulse/tracker/internal/migrate"
	"github.com/leafpulse/tracker/internal/notify"
	"github.com/leafpulse/tracker/internal/notify/retryqueue"
	"github.com/leafpulse/tracker/internal/observability"
	"github.com/leafpulse/tracker/internal/orchestrator"
	"github.com/leafpulse/tracker/internal/retry"
	"github.com/leafpulse/tracker/internal/store/postgres"
	"github.com/leafpulse/tracker/internal/telemetry"
)

const (
	defaultConfigPath = "config/app.yaml"
	loggerPrefix      = "tracker "

	shutdownTimeout          = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	databaseShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second

	retryQueueInterval  = 30 * time.Second
	healthCheckInterval = 5 * time.Minute

	readHeaderTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.Load(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialized: env=%s, locations=%d", appCfg.Environment, len(appCfg.Locations))

	st, pool, err := postgres.Open(ctx, appCfg.Database.DSN)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}

	if err := migrate.Apply(ctx, appCfg.Database.DSN, appCfg.Database.MigrationsDir, logger); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	breakers := retry.NewRegistry(retry.DefaultBreakerConfig())
	browserPool := browser.NewRemotePool(breakers)
	registry := buildExtractRegistry(appCfg.Locations, appCfg.RemoteBrowser, browserPool)

	ingestEngine := ingest.NewEngine(st)
	dispatcher := notify.NewDispatcher(st, appCfg.Notification.DefaultWebhookURL)
	retryWorker := retryqueue.NewWorker(st)
	monitor := health.NewMonitor(st, resolveWebhook(appCfg.Notification, "health"))
	orch := orchestrator.New(st, registry, ingestEngine, dispatcher, appCfg.Schedule.Interval, browserPool, toBrowserConfig(appCfg.RemoteBrowser, "remote-browser"))

	var lifecycle conc.WaitGroup

	tickErrs := orch.Start(ctx)
	lifecycle.Go(func() { logTickErrors(logger, tickErrs) })

	lifecycle.Go(func() { runPeriodic(ctx, retryQueueInterval, func() {
		delivered, retried, failed, err := retryWorker.ProcessRetries(ctx)
		if err != nil {
			logger.Printf("retry queue: process retries failed: %v", err)
			return
		}
		if delivered+retried+failed > 0 {
			logger.Printf("retry queue: delivered=%d retried=%d failed=%d", delivered, retried, failed)
		}
	}) })

	lifecycle.Go(func() { runPeriodic(ctx, healthCheckInterval, func() {
		alerts, err := monitor.Check(ctx, false)
		if err != nil {
			logger.Printf("health monitor: check failed: %v", err)
			return
		}
		if len(alerts) > 0 {
			logger.Printf("health monitor: %d alert(s) triggered", len(alerts))
		}
	}) })

	httpServer := buildHTTPServer(appCfg, st, ingestEngine, orch, monitor)
	lifecycle.Go(func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
		}
	})
	logger.Printf("http api listening on %s", httpServer.Addr)

	logger.Print("tracker started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		httpServer: httpServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		dbPool:     pool,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return defaultConfigPath
}

func initTelemetry(ctx context.Context, logger *log.Logger, environment string) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = environment
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildExtractRegistry instantiates one strategy per unique platform key
// named across the configured locations. A platform key is
// "{kind}:{platformName}" where kind selects the extractor family (spec
// §4.2); unrecognized kinds are skipped rather than failing startup, since a
// misconfigured single location should not prevent every other location
// from scraping.
func buildExtractRegistry(locations []config.LocationConfig, browserCfg config.RemoteBrowserConfig, pool browser.Pool) *extract.Registry {
	seen := make(map[string]bool, len(locations))
	strategies := make([]extract.Strategy, 0, len(locations))

	for _, loc := range locations {
		if seen[loc.Platform] {
			continue
		}
		seen[loc.Platform] = true

		kind, platformName, ok := strings.Cut(loc.Platform, ":")
		if !ok {
			continue
		}

		switch kind {
		case "ssr-json":
			strategies = append(strategies, ssrjson.New(ssrjson.Config{PlatformName: platformName}))
		case "ajax-dom":
			strategies = append(strategies, ajaxdom.New(ajaxdom.Config{
				PlatformName:  platformName,
				BrowserConfig: toBrowserConfig(browserCfg, kind),
			}, pool))
		case "spa-drilldown":
			strategies = append(strategies, spadrill.New(spadrill.Config{
				PlatformName:  platformName,
				BrowserConfig: toBrowserConfig(browserCfg, kind),
			}, pool))
		}
	}
	return extract.NewRegistry(strategies...)
}

func toBrowserConfig(cfg config.RemoteBrowserConfig, vendor string) browser.Config {
	return browser.Config{
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		ProjectID:   cfg.ProjectID,
		Proxy:       cfg.Proxy,
		Geolocation: cfg.Geolocation,
		Vendor:      vendor,
	}
}

// resolveWebhook picks the named channel's URL, falling back to the default
// operator webhook when no channel with that name is configured.
func resolveWebhook(cfg config.NotificationConfig, name string) string {
	for _, ch := range cfg.Channels {
		if ch.Name == name {
			return ch.URL
		}
	}
	return cfg.DefaultWebhookURL
}

func buildHTTPServer(appCfg config.AppConfig, st *postgres.Store, engine *ingest.Engine, orch *orchestrator.Orchestrator, monitor *health.Monitor) *http.Server {
	server := httpapi.NewServer(httpapi.Config{
		Store:            st,
		IngestEngine:     engine,
		Orchestrator:     orch,
		Monitor:          monitor,
		SharedKey:        appCfg.Ingestion.SharedKey,
		ScheduleInterval: appCfg.Schedule.Interval,
	})
	return &http.Server{
		Addr:              appCfg.HTTP.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// logTickErrors drains the orchestrator's error channel until it closes
// (context cancellation), logging every tick failure.
func logTickErrors(logger *log.Logger, errs <-chan error) {
	for err := range errs {
		logger.Printf("orchestrator: tick error: %v", err)
	}
}

// runPeriodic calls fn on a fixed cadence until ctx is cancelled, mirroring
// the ticker-driven loop shape used across this service's periodic workers.
func runPeriodic(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

type gracefulShutdownConfig struct {
	httpServer *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	dbPool     interface{ Close() }
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.httpServer != nil {
		shutdownStep("stopping http server", httpShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.httpServer.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.dbPool != nil {
		shutdownStep("closing database pool", databaseShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.dbPool.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
