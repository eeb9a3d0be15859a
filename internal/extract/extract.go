// Package extract defines the platform-extractor contract and strategy
// registry (spec §4.2). Concrete strategies live in the ssrjson, ajaxdom,
// and spadrill subpackages.
package extract

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/scraperr"
)

// Target is one menu location to extract.
type Target struct {
	RetailerID string
	URL        string
	Platform   string
	ScrapedAt  time.Time

	// Session is the tick-scoped remote browser session the orchestrator
	// acquired once and is reusing across locations (spec §4.5 step 2). Nil
	// for strategies that never touch a browser (ssr-json) and when a
	// strategy is exercised standalone, in which case it falls back to
	// acquiring its own session.
	Session browser.Session
}

// Strategy extracts ScrapedItems from one Target. Implementations never
// write to the catalog; all writes flow through ingestion (spec §5).
type Strategy interface {
	Name() string
	// URLPattern, if non-nil, is checked first during detection.
	URLPattern() *regexp.Regexp
	// HTMLSignatures lists substrings whose presence in a fetched page
	// identifies this strategy when the URL pattern does not match.
	HTMLSignatures() []string
	Extract(ctx context.Context, target Target) ([]model.ScrapedItem, error)
}

// Registry holds strategies in priority order; the first match wins.
type Registry struct {
	strategies []Strategy
}

// NewRegistry builds a registry from strategies in priority order.
func NewRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

// Detect resolves the strategy for a target, trying URL regexes first (cheap)
// and falling back to HTML content signatures (spec §4.2.d).
func (r *Registry) Detect(url, html string) (Strategy, error) {
	for _, s := range r.strategies {
		if pattern := s.URLPattern(); pattern != nil && pattern.MatchString(url) {
			return s, nil
		}
	}
	lowerHTML := strings.ToLower(html)
	for _, s := range r.strategies {
		for _, sig := range s.HTMLSignatures() {
			if sig == "" {
				continue
			}
			if strings.Contains(lowerHTML, strings.ToLower(sig)) {
				return s, nil
			}
		}
	}
	return nil, scraperr.New("extract", scraperr.CodeParseFailed,
		scraperr.WithMessage("no strategy matched url or html signature"),
	)
}

// ByName returns the strategy with the given name, or nil.
func (r *Registry) ByName(name string) Strategy {
	for _, s := range r.strategies {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

var botChallengeSignatures = []string{
	"cf-browser-verification",
	"cf_chl_opt",
	"cf-turnstile",
	"challenges.cloudflare.com",
	"just a moment",
	"attention required",
	"error 1015",
	"error 1020",
}

const smallPageBytes = 5 * 1024

// DetectBotChallenge inspects fetched HTML for known challenge signatures
// (spec §4.2.d). A non-nil error means the location must fail with
// scraperr.CodeBlocked rather than attempting extraction.
func DetectBotChallenge(html string) error {
	lower := strings.ToLower(html)
	for _, sig := range botChallengeSignatures {
		if strings.Contains(lower, sig) {
			return scraperr.New("extract", scraperr.CodeBlocked,
				scraperr.WithReason(sig),
				scraperr.WithMessage("bot-protection challenge detected"),
			)
		}
	}
	if strings.Contains(lower, "ray id") && len(html) < smallPageBytes {
		return scraperr.New("extract", scraperr.CodeBlocked,
			scraperr.WithReason("ray id"),
			scraperr.WithMessage("small challenge page with cloudflare ray id"),
		)
	}
	return nil
}
