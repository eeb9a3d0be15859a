// Package health implements the health monitor (spec §4.9): it periodically
// evaluates four conditions derived from recent scrape jobs, unresolved
// dead letters, and retailer staleness, and posts a Discord-compatible
// alert embed for every triggered condition outside its cooldown window.
package health

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/observability"
	"github.com/leafpulse/tracker/internal/store"
)

// lookback is the trailing window every condition inspects.
const lookback = time.Hour

// staleScraperWindow is how far behind a retailer's last scrape can fall
// before it counts toward the stale_scraper condition.
const staleScraperWindow = 45 * time.Minute

// defaultCooldown is the minimum gap between two alerts of the same type
// (spec §4.9: "default 15 min").
const defaultCooldown = 15 * time.Minute

// conditionType enumerates the four evaluated conditions.
type conditionType string

const (
	conditionNewFailures     conditionType = "new_failures"
	conditionHighFailureRate conditionType = "high_failure_rate"
	conditionStaleScraper    conditionType = "stale_scraper"
	conditionRateLimitSpike  conditionType = "rate_limit_spike"
)

// Monitor evaluates health conditions and delivers alert embeds.
type Monitor struct {
	store      store.Store
	client     *http.Client
	webhookURL string
	cooldown   time.Duration
}

// NewMonitor constructs a health monitor posting alert embeds to webhookURL.
func NewMonitor(s store.Store, webhookURL string) *Monitor {
	return &Monitor{
		store:      s,
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
		cooldown:   defaultCooldown,
	}
}

// finding is one triggered condition awaiting delivery.
type finding struct {
	condition conditionType
	severity  model.AlertSeverity
	message   string
	data      map[string]any
}

// Check evaluates all four conditions and delivers an alert for each one
// triggered and not within its per-type cooldown. forceAlert bypasses the
// cooldown for every condition.
func (m *Monitor) Check(ctx context.Context, forceAlert bool) ([]model.ScraperAlert, error) {
	now := time.Now().UTC()
	since := now.Add(-lookback)

	findings, snapshot, err := m.evaluate(ctx, now, since)
	if err != nil {
		return nil, err
	}

	var alerts []model.ScraperAlert
	for _, f := range findings {
		if !forceAlert {
			last, err := m.store.LastAlertAt(ctx, string(f.condition))
			if err != nil {
				observability.Log().Error("health: check cooldown failed", observability.Field{Key: "condition", Value: string(f.condition)}, observability.Field{Key: "error", Value: err.Error()})
			} else if last != nil && now.Sub(*last) < m.cooldown {
				continue
			}
		}

		alert := m.deliver(ctx, f, snapshot, now)
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// snapshot captures the raw figures every finding's embed summarizes.
type snapshot struct {
	unresolvedDeadLetters int
	jobsTotal             int
	jobsFailed            int
	activeRetailers       int
	staleRetailers        int
	rateLimitDeadLetters  int
}

func (m *Monitor) evaluate(ctx context.Context, now, since time.Time) ([]finding, snapshot, error) {
	var snap snapshot
	var findings []finding

	unresolved, err := m.store.CountUnresolvedDeadLettersSince(ctx, since)
	if err != nil {
		return nil, snap, fmt.Errorf("health: count unresolved dead letters: %w", err)
	}
	snap.unresolvedDeadLetters = unresolved
	if f, ok := newFailuresFinding(unresolved); ok {
		findings = append(findings, f)
	}

	jobsTotal, jobsFailed, err := m.store.CountScrapeJobsSince(ctx, since)
	if err != nil {
		return nil, snap, fmt.Errorf("health: count scrape jobs: %w", err)
	}
	snap.jobsTotal, snap.jobsFailed = jobsTotal, jobsFailed
	if f, ok := highFailureRateFinding(jobsTotal, jobsFailed); ok {
		findings = append(findings, f)
	}

	activeRetailers, err := m.store.ListActiveRetailers(ctx)
	if err != nil {
		return nil, snap, fmt.Errorf("health: list active retailers: %w", err)
	}
	staleRetailers, err := m.store.ListStaleActiveRetailers(ctx, now.Add(-staleScraperWindow))
	if err != nil {
		return nil, snap, fmt.Errorf("health: list stale retailers: %w", err)
	}
	snap.activeRetailers = len(activeRetailers)
	snap.staleRetailers = len(staleRetailers)
	if f, ok := staleScraperFinding(len(staleRetailers), len(activeRetailers)); ok {
		findings = append(findings, f)
	}

	rateLimited, err := m.store.CountDeadLettersByTypeSince(ctx, "rate_limit", since)
	if err != nil {
		return nil, snap, fmt.Errorf("health: count rate limit dead letters: %w", err)
	}
	snap.rateLimitDeadLetters = rateLimited
	if f, ok := rateLimitSpikeFinding(rateLimited); ok {
		findings = append(findings, f)
	}

	return findings, snap, nil
}

func newFailuresFinding(unresolved int) (finding, bool) {
	if unresolved < 3 {
		return finding{}, false
	}
	severity := model.AlertSeverityMedium
	switch {
	case unresolved >= 10:
		severity = model.AlertSeverityCritical
	case unresolved >= 5:
		severity = model.AlertSeverityHigh
	}
	return finding{
		condition: conditionNewFailures,
		severity:  severity,
		message:   fmt.Sprintf("%d unresolved dead letters in the last hour", unresolved),
	}, true
}

func highFailureRateFinding(total, failed int) (finding, bool) {
	if total == 0 {
		return finding{}, false
	}
	rate := float64(failed) / float64(total) * 100
	if rate < 20 {
		return finding{}, false
	}
	severity := model.AlertSeverityMedium
	switch {
	case rate >= 50:
		severity = model.AlertSeverityCritical
	case rate >= 30:
		severity = model.AlertSeverityHigh
	}
	return finding{
		condition: conditionHighFailureRate,
		severity:  severity,
		message:   fmt.Sprintf("%.0f%% of scrape jobs failed in the last hour (%d/%d)", rate, failed, total),
	}, true
}

func staleScraperFinding(stale, active int) (finding, bool) {
	if stale < 3 {
		return finding{}, false
	}
	severity := model.AlertSeverityMedium
	if active > 0 && float64(stale)/float64(active) >= 0.5 {
		severity = model.AlertSeverityHigh
	}
	return finding{
		condition: conditionStaleScraper,
		severity:  severity,
		message:   fmt.Sprintf("%d of %d active retailers have not been scraped in 45 minutes", stale, active),
	}, true
}

func rateLimitSpikeFinding(count int) (finding, bool) {
	if count < 5 {
		return finding{}, false
	}
	severity := model.AlertSeverityHigh
	if count >= 10 {
		severity = model.AlertSeverityCritical
	}
	return finding{
		condition: conditionRateLimitSpike,
		severity:  severity,
		message:   fmt.Sprintf("%d rate_limit dead letters in the last hour", count),
	}, true
}

func (m *Monitor) deliver(ctx context.Context, f finding, snap snapshot, now time.Time) model.ScraperAlert {
	alert := model.ScraperAlert{
		Type:     string(f.condition),
		Severity: f.severity,
		Title:    fmt.Sprintf("%s: %s", f.severity, f.condition),
		Message:  f.message,
		Data: map[string]any{
			"unresolvedDeadLetters": snap.unresolvedDeadLetters,
			"jobsLastHour":          snap.jobsTotal,
			"failedJobsLastHour":    snap.jobsFailed,
			"staleRetailers":        snap.staleRetailers,
			"activeRetailers":       snap.activeRetailers,
		},
		CreatedAt: now,
	}

	if m.webhookURL != "" {
		if err := m.post(ctx, f, alert); err != nil {
			observability.Log().Error("health: deliver alert failed", observability.Field{Key: "condition", Value: string(f.condition)}, observability.Field{Key: "error", Value: err.Error()})
		} else {
			alert.DeliveredTo = []string{m.webhookURL}
		}
	}

	if err := m.store.RecordAlert(ctx, alert); err != nil {
		observability.Log().Error("health: record alert failed", observability.Field{Key: "condition", Value: string(f.condition)}, observability.Field{Key: "error", Value: err.Error()})
	}
	return alert
}

func (m *Monitor) post(ctx context.Context, f finding, alert model.ScraperAlert) error {
	payload := discordEmbed{
		Embeds: []discordEmbedBody{{
			Title:       alert.Title,
			Description: f.message,
			Color:       severityColor(f.severity),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook status %d", resp.StatusCode)
	}
	return nil
}

type discordEmbed struct {
	Embeds []discordEmbedBody `json:"embeds"`
}

type discordEmbedBody struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

func severityColor(severity model.AlertSeverity) int {
	switch severity {
	case model.AlertSeverityCritical:
		return 0xe74c3c
	case model.AlertSeverityHigh:
		return 0xe67e22
	default:
		return 0xf1c40f
	}
}
