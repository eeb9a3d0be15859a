// Package orchestrator implements the tick-driven scrape coordinator (spec
// §4.5): once per cadence it walks the active retailer set, extracts each
// location's menu, hands the aggregated batch to ingestion, and fires a
// best-effort notification pass.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/extract"
	"github.com/leafpulse/tracker/internal/ingest"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/notify"
	"github.com/leafpulse/tracker/internal/observability"
	"github.com/leafpulse/tracker/internal/retry"
	"github.com/leafpulse/tracker/internal/scraperr"
	"github.com/leafpulse/tracker/internal/store"
)

// locationMaxAttempts and locationBackoffBase implement the per-location
// extraction retry shape (spec §4.5 step 3: "up to 3 attempts; backoff is
// 2s · attempt" — linear, unlike the exponential browser-acquisition and
// ingestion-POST backoffs).
const (
	locationMaxAttempts = 3
	locationBackoffBase = 2 * time.Second
)

// interLocationSleep paces sequential extraction across locations (spec §4.5
// step 3: "Sleep 2s between locations").
const interLocationSleep = 2 * time.Second

// ingestionRetryPolicy mirrors the orchestrator's ingestion hand-off
// (spec §4.5 step 4: "up to 3 retries, base 2s, ×2").
func ingestionRetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxDelay = 60 * time.Second
	return p
}

// ErrTickInProgress is returned by RunTick when a prior tick has not yet
// finished; the caller must treat this as "skip", never as a queued retry
// (spec §4.5: "a missed cadence tick must not queue; if a prior tick is
// still running, skip this one").
var ErrTickInProgress = errors.New("orchestrator: tick already in progress")

// Orchestrator drives one scrape-ingest-notify cycle per tick.
type Orchestrator struct {
	store        store.Store
	registry     *extract.Registry
	ingestEngine *ingest.Engine
	dispatcher   *notify.Dispatcher
	interval     time.Duration

	browserPool   browser.Pool
	browserConfig browser.Config

	running atomic.Bool
}

// New constructs an orchestrator. browserPool and browserConfig back the
// single per-tick browser session acquisition (spec §4.5 step 2), which is
// itself gated by browserPool's own vendor-keyed circuit breaker and
// exponential retry; browserPool may be nil for deployments with only
// no-browser (ssr-json) locations configured.
func New(s store.Store, registry *extract.Registry, ingestEngine *ingest.Engine, dispatcher *notify.Dispatcher, interval time.Duration, browserPool browser.Pool, browserConfig browser.Config) *Orchestrator {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Orchestrator{
		store:         s,
		registry:      registry,
		ingestEngine:  ingestEngine,
		dispatcher:    dispatcher,
		interval:      interval,
		browserPool:   browserPool,
		browserConfig: browserConfig,
	}
}

// Start runs the cadence loop until ctx is cancelled, reporting tick errors
// on the returned channel. ErrTickInProgress is logged, not surfaced, since
// it is the expected outcome of an overlapping manual trigger.
func (o *Orchestrator) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 4)
	go o.run(ctx, errCh)
	return errCh
}

func (o *Orchestrator) run(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	defer close(errCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := o.RunTick(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrTickInProgress):
				observability.Log().Info("orchestrator: tick skipped, prior tick still running")
			default:
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}
}

// RunTick executes one full cycle: active-location selection, sequential
// extraction, ingestion hand-off, best-effort notification dispatch, and an
// operator summary. It is single-flight: a call made while another is still
// running returns ErrTickInProgress immediately.
func (o *Orchestrator) RunTick(ctx context.Context) (model.IngestSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return model.IngestSummary{}, ErrTickInProgress
	}
	defer o.running.Store(false)

	start := time.Now().UTC()
	batchID := uuid.NewString()

	retailers, err := o.store.ListActiveRetailers(ctx)
	if err != nil {
		return model.IngestSummary{}, fmt.Errorf("orchestrator: list active retailers: %w", err)
	}

	ts := &tickSession{pool: o.browserPool, cfg: o.browserConfig}
	defer ts.release()

	results := make([]model.RetailerResult, 0, len(retailers))
	for i, retailer := range retailers {
		results = append(results, o.scrapeRetailer(ctx, retailer, batchID, start, ts))
		if i < len(retailers)-1 {
			if err := sleepOrDone(ctx, interLocationSleep); err != nil {
				break
			}
		}
	}

	batch := model.Batch{BatchID: batchID, Results: results}

	var summary model.IngestSummary
	ingestErr := retry.WithRetry(ctx, ingestionRetryPolicy(), func(ctx context.Context) error {
		var err error
		summary, err = o.ingestEngine.ProcessBatch(ctx, batch)
		return err
	})
	if ingestErr != nil {
		return model.IngestSummary{}, fmt.Errorf("orchestrator: process batch %s: %w", batchID, ingestErr)
	}

	if o.dispatcher != nil {
		if _, err := o.dispatcher.Run(ctx); err != nil {
			observability.Log().Error("orchestrator: notification dispatch failed",
				observability.Field{Key: "batch_id", Value: batchID},
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	observability.Log().Info("orchestrator: tick complete",
		observability.Field{Key: "batch_id", Value: batchID},
		observability.Field{Key: "locations", Value: len(retailers)},
		observability.Field{Key: "total_processed", Value: summary.TotalProcessed},
		observability.Field{Key: "total_failed", Value: summary.TotalFailed},
		observability.Field{Key: "events_detected", Value: summary.TotalEventsDetected},
		observability.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
	)
	return summary, nil
}

// scrapeRetailer extracts every menu source for one retailer, recording a
// ScrapeJob and, on failure, a DeadLetterEntry (spec §4.5 step 3 / §7).
func (o *Orchestrator) scrapeRetailer(ctx context.Context, retailer model.Retailer, batchID string, now time.Time, ts *tickSession) model.RetailerResult {
	result := model.RetailerResult{RetailerID: retailer.ID, Status: "ok"}

	if len(retailer.MenuSources) == 0 {
		result.Status = "error"
		result.Error = "no menu source configured"
		return result
	}

	var items []model.ScrapedItem
	var failures []string
	for _, source := range retailer.MenuSources {
		sourceItems, err := o.extractSource(ctx, retailer, source, now, ts)
		job := model.ScrapeJob{
			RetailerID:     retailer.ID,
			SourcePlatform: source.Platform,
			SourceURL:      source.URL,
			BatchID:        batchID,
			StartedAt:      now,
			CompletedAt:    time.Now().UTC(),
			ItemsScraped:   len(sourceItems),
		}
		if err != nil {
			job.Status = model.ScrapeJobFailed
			job.ErrorMessage = err.Error()
			job.ItemsFailed = 1
			failures = append(failures, err.Error())
			o.recordFailure(ctx, retailer.ID, err)
		} else {
			job.Status = model.ScrapeJobCompleted
			items = append(items, sourceItems...)
		}
		if recErr := o.store.RecordScrapeJob(ctx, job); recErr != nil {
			observability.Log().Error("orchestrator: record scrape job failed",
				observability.Field{Key: "retailer_id", Value: retailer.ID},
				observability.Field{Key: "error", Value: recErr.Error()},
			)
		}
	}

	if len(failures) > 0 && len(items) == 0 {
		result.Status = "error"
		result.Error = strings.Join(failures, "; ")
		return result
	}
	result.Items = items
	return result
}

// extractSource resolves and runs the strategy for one menu source: a direct
// call for SSR-JSON, or a linear-backoff retry loop sharing the tick's single
// browser session for every browser-driven platform (spec §4.5 step 3). No
// circuit breaker gates this loop — the breaker lives at session acquisition
// only (step 2), so an unrelated extraction failure at one location never
// trips a breaker that would block every other location.
func (o *Orchestrator) extractSource(ctx context.Context, retailer model.Retailer, source model.MenuSource, now time.Time, ts *tickSession) ([]model.ScrapedItem, error) {
	strategy := o.registry.ByName(source.Platform)
	if strategy == nil {
		return nil, scraperr.New("orchestrator", scraperr.CodeValidationFailed,
			scraperr.WithMessage("no extractor registered for platform "+source.Platform),
		)
	}

	target := extract.Target{
		RetailerID: retailer.ID,
		URL:        source.URL,
		Platform:   source.Platform,
		ScrapedAt:  now,
	}

	if isSSRJSON(strategy) {
		return strategy.Extract(ctx, target)
	}

	var lastErr error
	for attempt := 1; attempt <= locationMaxAttempts; attempt++ {
		session, err := ts.acquire(ctx)
		if err != nil {
			return nil, err
		}
		target.Session = session

		items, err := strategy.Extract(ctx, target)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if attempt == locationMaxAttempts {
			break
		}
		if err := sleepOrDone(ctx, time.Duration(attempt)*locationBackoffBase); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// recordFailure appends a dead-letter entry classified by the extraction
// error's taxonomy code, if any (spec §7).
func (o *Orchestrator) recordFailure(ctx context.Context, retailerID string, cause error) {
	errorType := "navigation_failed"
	var structured *scraperr.E
	if errors.As(cause, &structured) {
		errorType = string(structured.Code)
	}
	entry := model.DeadLetterEntry{
		RetailerID:     retailerID,
		ErrorType:      errorType,
		ErrorMessage:   cause.Error(),
		FirstAttemptAt: time.Now().UTC(),
		LastAttemptAt:  time.Now().UTC(),
		Attempts:       1,
	}
	if err := o.store.AppendDeadLetter(ctx, entry); err != nil {
		observability.Log().Error("orchestrator: append dead letter failed",
			observability.Field{Key: "retailer_id", Value: retailerID},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

// isSSRJSON reports whether strategy is the no-browser SSR-JSON extractor
// (spec §4.2.a), identified by the "ssr-json:" name prefix every instance of
// that strategy carries.
func isSSRJSON(strategy extract.Strategy) bool {
	return strings.HasPrefix(strategy.Name(), "ssr-json:")
}

// tickSession acquires one browser session on first use and reuses it across
// every browser-driven location for the rest of the tick (spec §4.5 step 2).
// Acquisition itself is gated by browser.Pool.Acquire's vendor-keyed circuit
// breaker and exponential retry; tickSession just holds the result.
type tickSession struct {
	pool browser.Pool
	cfg  browser.Config

	session browser.Session
}

func (t *tickSession) acquire(ctx context.Context) (browser.Session, error) {
	if t.session != nil {
		return t.session, nil
	}
	if t.pool == nil {
		return nil, scraperr.New("orchestrator", scraperr.CodeBrowserUnavailable,
			scraperr.WithMessage("no browser pool configured"),
		)
	}
	session, err := t.pool.Acquire(ctx, t.cfg)
	if err != nil {
		return nil, err
	}
	t.session = session
	return session, nil
}

func (t *tickSession) release() {
	if t.session != nil {
		_ = t.session.Close(context.Background())
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
