package orchestrator_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/extract"
	"github.com/leafpulse/tracker/internal/ingest"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/notify"
	"github.com/leafpulse/tracker/internal/orchestrator"
	"github.com/leafpulse/tracker/internal/scraperr"
	"github.com/leafpulse/tracker/internal/store/storetest"
)

// fakeStrategy is a scripted extract.Strategy. Naming it with the
// "ssr-json:" prefix routes it through the orchestrator's no-browser path,
// keeping these tests free of the real linear-backoff sleeps.
type fakeStrategy struct {
	name  string
	items []model.ScrapedItem
	err   error
	calls *int32Counter
	delay time.Duration
}

func (f *fakeStrategy) Name() string                { return f.name }
func (f *fakeStrategy) URLPattern() *regexp.Regexp   { return nil }
func (f *fakeStrategy) HTMLSignatures() []string     { return nil }
func (f *fakeStrategy) Extract(ctx context.Context, _ extract.Target) ([]model.ScrapedItem, error) {
	if f.calls != nil {
		f.calls.inc()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func newHarness(t *testing.T, strategy extract.Strategy) (*orchestrator.Orchestrator, *storetest.Store) {
	t.Helper()
	fake := storetest.New()
	registry := extract.NewRegistry(strategy)
	engine := ingest.NewEngine(fake)
	dispatcher := notify.NewDispatcher(fake, "")
	o := orchestrator.New(fake, registry, engine, dispatcher, time.Hour, nil, browser.Config{})
	return o, fake
}

func TestRunTickIngestsScrapedItemsAndRecordsScrapeJob(t *testing.T) {
	strategy := &fakeStrategy{
		name: "ssr-json:fake",
		items: []model.ScrapedItem{
			{RawProductName: "Blue Dream", RawBrandName: "Pulse Farms", RawCategory: "flower", Price: 35, InStock: true, Quantity: intPtr(12)},
		},
	}
	o, fake := newHarness(t, strategy)
	ctx := context.Background()

	fake.SeedRetailer(model.Retailer{
		ID:       "r1",
		IsActive: true,
		MenuSources: []model.MenuSource{
			{URL: "https://example.test/menu", Platform: "ssr-json:fake"},
		},
	})

	summary, err := o.RunTick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalProcessed)
	require.Equal(t, 0, summary.TotalFailed)

	// One job from the orchestrator for the source, one from ingestion for
	// the retailer.
	jobs := fake.ScrapeJobs()
	require.Len(t, jobs, 2)
	require.Equal(t, model.ScrapeJobCompleted, jobs[0].Status)
	require.Equal(t, "r1", jobs[0].RetailerID)
}

func TestRunTickRecordsDeadLetterOnExtractionFailure(t *testing.T) {
	strategy := &fakeStrategy{
		name: "ssr-json:fake",
		err: scraperr.New("ssr-json", scraperr.CodeBlocked,
			scraperr.WithMessage("cloudflare challenge"),
		),
	}
	o, fake := newHarness(t, strategy)
	ctx := context.Background()

	fake.SeedRetailer(model.Retailer{
		ID:       "r1",
		IsActive: true,
		MenuSources: []model.MenuSource{
			{URL: "https://example.test/menu", Platform: "ssr-json:fake"},
		},
	})

	summary, err := o.RunTick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.TotalProcessed)

	jobs := fake.ScrapeJobs()
	require.Len(t, jobs, 2)
	require.Equal(t, model.ScrapeJobFailed, jobs[0].Status)

	deadLetters, err := fake.CountDeadLettersByTypeSince(ctx, string(scraperr.CodeBlocked), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, deadLetters)
}

func TestRunTickIsSingleFlight(t *testing.T) {
	counter := &int32Counter{}
	strategy := &fakeStrategy{name: "ssr-json:fake", calls: counter, delay: 150 * time.Millisecond}
	o, fake := newHarness(t, strategy)
	ctx := context.Background()

	fake.SeedRetailer(model.Retailer{
		ID:       "r1",
		IsActive: true,
		MenuSources: []model.MenuSource{
			{URL: "https://example.test/menu", Platform: "ssr-json:fake"},
		},
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := o.RunTick(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var skipped int
	for err := range errs {
		if err == orchestrator.ErrTickInProgress {
			skipped++
		}
	}
	require.Equal(t, 1, skipped, "exactly one of the two concurrent ticks must be skipped")
}

func intPtr(v int) *int { return &v }
