// Package spadrill implements the embedded-SPA platform extractor with
// detail-page drilldown (spec §4.2.c): stores behind an age gate and/or
// bot protection, rendered entirely client-side.
package spadrill

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/extract"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/retry"
	"github.com/leafpulse/tracker/internal/scraperr"
)

// Config configures one embedded-SPA strategy instance.
type Config struct {
	PlatformName   string
	URLPattern     *regexp.Regexp
	HTMLSignatures []string
	BrowserConfig  browser.Config

	// CardSelectors is a prioritized list; the first one to appear wins.
	CardSelectors []string
	// MaxDrilldownProducts bounds how many detail pages get resolved per
	// location (spec §4.2.c step 5: "default 40").
	MaxDrilldownProducts int
	// DrilldownPoolSize is the concurrent detail-page pool size P (spec
	// §4.2.c step 6: "default 4").
	DrilldownPoolSize int
	// CartOverflowAttempts bounds the cart-overflow fallback (spec §4.2.c
	// step 7: "M=3").
	CartOverflowAttempts int
}

const (
	navigateRetries    = 2
	detailRenderWait   = 1500 * time.Millisecond
	cardsWaitBound     = 15 * time.Second
	scrollViewports    = 3
)

var navigateBackoff = []time.Duration{2 * time.Second, 4 * time.Second}

var ageGateButtonRe = regexp.MustCompile(`(?i)^(yes|i am 21|21\+|enter|i agree)`)

var defaultCardSelectors = []string{
	"[data-testid='product-card']",
	".product-card",
	"[data-cy='menu-item']",
	".menu-item-card",
}

// Strategy is the embedded-SPA extractor.
type Strategy struct {
	cfg  Config
	pool browser.Pool
}

// New constructs an embedded-SPA strategy driven by pool.
func New(cfg Config, pool browser.Pool) *Strategy {
	if len(cfg.CardSelectors) == 0 {
		cfg.CardSelectors = defaultCardSelectors
	}
	if cfg.MaxDrilldownProducts <= 0 {
		cfg.MaxDrilldownProducts = 40
	}
	if cfg.DrilldownPoolSize <= 0 {
		cfg.DrilldownPoolSize = browser.DefaultPagesPerLocation
	}
	if cfg.CartOverflowAttempts <= 0 {
		cfg.CartOverflowAttempts = 3
	}
	return &Strategy{cfg: cfg, pool: pool}
}

func (s *Strategy) Name() string               { return "spa-drilldown:" + s.cfg.PlatformName }
func (s *Strategy) URLPattern() *regexp.Regexp { return s.cfg.URLPattern }
func (s *Strategy) HTMLSignatures() []string   { return s.cfg.HTMLSignatures }

func (s *Strategy) Extract(ctx context.Context, target extract.Target) ([]model.ScrapedItem, error) {
	session := target.Session
	if session == nil {
		acquired, err := s.pool.Acquire(ctx, s.cfg.BrowserConfig)
		if err != nil {
			return nil, err
		}
		defer func() { _ = acquired.Close(ctx) }()
		session = acquired
	}

	page, err := session.CreatePage(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = page.Close(ctx) }()

	if err := s.navigateWithRetries(ctx, page, target.URL); err != nil {
		return nil, err
	}

	s.dismissAgeGate(ctx, page)

	cardSelector, err := s.waitForCards(ctx, page)
	if err != nil {
		return nil, err
	}

	if err := s.scrollForLazyLoad(ctx, page); err != nil {
		return nil, err
	}

	raw, err := page.Evaluate(ctx, cardExtractorScript(cardSelector))
	if err != nil {
		return nil, err
	}
	cards, err := decodeCardRecords(raw)
	if err != nil {
		return nil, scraperr.New(s.cfg.PlatformName, scraperr.CodeParseFailed,
			scraperr.WithMessage("decode card extraction result"),
			scraperr.WithCause(err),
		)
	}

	scrapedAt := target.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now().UTC()
	}

	items := make([]model.ScrapedItem, len(cards))
	needsDrilldown := make([]int, 0, len(cards))
	for i, c := range cards {
		items[i] = cardToItem(c, target, s.cfg.PlatformName, scrapedAt)
		if items[i].Quantity == nil && items[i].QuantityWarning == "" && items[i].InStock && c.DetailURL != "" {
			needsDrilldown = append(needsDrilldown, i)
		}
	}
	if len(needsDrilldown) > s.cfg.MaxDrilldownProducts {
		needsDrilldown = needsDrilldown[:s.cfg.MaxDrilldownProducts]
	}

	if len(needsDrilldown) > 0 {
		browser.DrillDown(ctx, session, len(needsDrilldown), s.cfg.DrilldownPoolSize, func(ctx context.Context, page browser.Page, i int) error {
			// A detail-page failure leaves the card-level fields in place;
			// quantitySource stays "inferred" rather than failing the item.
			return s.resolveDetailPage(ctx, page, &items[needsDrilldown[i]])
		})
	}

	return items, nil
}

func (s *Strategy) navigateWithRetries(ctx context.Context, page browser.Page, url string) error {
	return retry.WithRetry(ctx, retry.Policy{
		MaxRetries:        navigateRetries,
		BaseDelay:         navigateBackoff[0],
		MaxDelay:          navigateBackoff[len(navigateBackoff)-1],
		BackoffMultiplier: 2,
		RetryableErrors:   []string{string(scraperr.CodeNavigationFailed)},
	}, func(ctx context.Context) error {
		return page.Navigate(ctx, url, browser.NavigateOptions{Timeout: browser.NavigateTimeout})
	})
}

func (s *Strategy) dismissAgeGate(ctx context.Context, page browser.Page) {
	result, err := page.Evaluate(ctx, ageGateDetectScript())
	if err != nil {
		return
	}
	label, ok := result.(string)
	if !ok || label == "" || !ageGateButtonRe.MatchString(strings.TrimSpace(label)) {
		return
	}
	_, _ = page.Evaluate(ctx, ageGateClickScript())
}

func (s *Strategy) waitForCards(ctx context.Context, page browser.Page) (string, error) {
	deadline := time.Now().Add(cardsWaitBound)
	var lastErr error
	for _, sel := range s.cfg.CardSelectors {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := page.WaitForSelector(ctx, sel, browser.WaitOptions{Timeout: remaining}); err == nil {
			return sel, nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = scraperr.New(s.cfg.PlatformName, scraperr.CodeEvaluationFailed, scraperr.WithMessage("no card selector configured"))
	}
	return "", lastErr
}

func (s *Strategy) scrollForLazyLoad(ctx context.Context, page browser.Page) error {
	_, err := page.Evaluate(ctx, scrollScript(scrollViewports))
	return err
}

func (s *Strategy) resolveDetailPage(ctx context.Context, page browser.Page, item *model.ScrapedItem) error {
	if err := page.Navigate(ctx, item.ProductURL, browser.NavigateOptions{Timeout: browser.NavigateTimeout}); err != nil {
		return err
	}
	select {
	case <-time.After(detailRenderWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	text, err := page.Evaluate(ctx, "document.body.innerText")
	if err != nil {
		return err
	}
	body, _ := text.(string)

	if matchOutOfStockPhrase(body) {
		item.InStock = false
		zero := 0
		item.Quantity = &zero
		item.QuantitySource = model.QuantitySourceTextPattern
		return nil
	}
	if qty, ok := matchQuantityPattern(body); ok {
		item.Quantity = &qty
		item.QuantitySource = model.QuantitySourceTextPattern
		return nil
	}

	qty, source, err := s.cartOverflowFallback(ctx, page)
	if err != nil {
		return err
	}
	if source != "" {
		item.Quantity = &qty
		item.QuantitySource = source
	}
	return nil
}
