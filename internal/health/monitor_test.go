package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafpulse/tracker/internal/health"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/store/storetest"
)

func TestCheckTriggersNewFailuresAboveThreshold(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	fake := storetest.New()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, fake.AppendDeadLetter(ctx, model.DeadLetterEntry{
			RetailerID:    "r1",
			ErrorType:     "navigation_failed",
			LastAttemptAt: time.Now().UTC(),
		}))
	}

	monitor := health.NewMonitor(fake, server.URL)
	alerts, err := monitor.Check(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "new_failures", alerts[0].Type)
	require.Equal(t, model.AlertSeverityMedium, alerts[0].Severity)
	require.Equal(t, 1, hits)
}

func TestCheckRespectsCooldownUnlessForced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	fake := storetest.New()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, fake.AppendDeadLetter(ctx, model.DeadLetterEntry{
			RetailerID:    "r1",
			ErrorType:     "navigation_failed",
			LastAttemptAt: time.Now().UTC(),
		}))
	}

	monitor := health.NewMonitor(fake, server.URL)
	first, err := monitor.Check(ctx, false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := monitor.Check(ctx, false)
	require.NoError(t, err)
	require.Empty(t, second, "cooldown should suppress a repeat alert")

	forced, err := monitor.Check(ctx, true)
	require.NoError(t, err)
	require.Len(t, forced, 1, "forceAlert bypasses the cooldown")
}

func TestCheckTriggersStaleScraperWithHighSeverityAtHalfActive(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		fake.SeedRetailer(model.Retailer{
			ID:       "retailer-" + string(rune('a'+i)),
			IsActive: true,
			MenuSources: []model.MenuSource{
				{URL: "https://example.test/menu", LastScrapedAt: &stale},
			},
		})
	}

	monitor := health.NewMonitor(fake, "")
	alerts, err := monitor.Check(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "stale_scraper", alerts[0].Type)
	require.Equal(t, model.AlertSeverityHigh, alerts[0].Severity)
}

func TestCheckNoFindingsWhenNothingTriggers(t *testing.T) {
	fake := storetest.New()
	monitor := health.NewMonitor(fake, "")
	alerts, err := monitor.Check(context.Background(), false)
	require.NoError(t, err)
	require.Empty(t, alerts)
}
