// Package ajaxdom implements the AJAX-DOM platform extractor (spec §4.2.b):
// initial HTML renders placeholders that hydrate via XHR, so extraction
// drives a remote browser page and reads the post-hydration DOM.
package ajaxdom

import (
	"context"
	"regexp"
	"time"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/extract"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/scraperr"
)

// Config configures one AJAX-DOM strategy instance.
type Config struct {
	PlatformName   string
	URLPattern     *regexp.Regexp
	HTMLSignatures []string
	CardSelector   string
	BrowserConfig  browser.Config
}

// HydrationWait bounds the wait for the product-card selector (spec §4.2.b: "5s").
const HydrationWait = 5 * time.Second

// Strategy is the AJAX-DOM extractor.
type Strategy struct {
	cfg  Config
	pool browser.Pool
}

// New constructs an AJAX-DOM strategy driven by pool.
func New(cfg Config, pool browser.Pool) *Strategy {
	if cfg.CardSelector == "" {
		cfg.CardSelector = "[data-testid='product-card']"
	}
	return &Strategy{cfg: cfg, pool: pool}
}

func (s *Strategy) Name() string              { return "ajax-dom:" + s.cfg.PlatformName }
func (s *Strategy) URLPattern() *regexp.Regexp { return s.cfg.URLPattern }
func (s *Strategy) HTMLSignatures() []string   { return s.cfg.HTMLSignatures }

// cardRecord is the shape the in-page JS extractor reports per card.
type cardRecord struct {
	Name            string  `json:"name"`
	Brand           string  `json:"brand"`
	Category        string  `json:"category"`
	Price           float64 `json:"price"`
	OriginalPrice   float64 `json:"originalPrice"`
	HasOriginal     bool    `json:"hasOriginal"`
	SoldOut         bool    `json:"soldOut"`
	QuantityWarning string  `json:"quantityWarning"`
	InputMax        float64 `json:"inputMax"`
	HasInputMax     bool    `json:"hasInputMax"`
	ProductURL      string  `json:"productUrl"`
	ImageURL        string  `json:"imageUrl"`
	THC             string  `json:"thc"`
	CBD             string  `json:"cbd"`
}

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

	if err := page.Navigate(ctx, target.URL, browser.NavigateOptions{Timeout: browser.NavigateTimeout}); err != nil {
		return nil, err
	}
	if err := page.WaitForSelector(ctx, s.cfg.CardSelector, browser.WaitOptions{Timeout: HydrationWait}); err != nil {
		return nil, err
	}

	raw, err := page.Evaluate(ctx, cardExtractorScript(s.cfg.CardSelector))
	if err != nil {
		return nil, err
	}

	records, err := decodeCardRecords(raw)
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

	items := make([]model.ScrapedItem, 0, len(records))
	for _, rec := range records {
		items = append(items, toScrapedItem(rec, target, s.cfg.PlatformName, scrapedAt))
	}
	return items, nil
}

func toScrapedItem(rec cardRecord, target extract.Target, platform string, scrapedAt time.Time) model.ScrapedItem {
	item := model.ScrapedItem{
		RawProductName:  rec.Name,
		RawBrandName:    rec.Brand,
		RawCategory:     rec.Category,
		Price:           rec.Price,
		InStock:         !rec.SoldOut,
		QuantityWarning: rec.QuantityWarning,
		THCFormatted:    rec.THC,
		CBDFormatted:    rec.CBD,
		ImageURL:        rec.ImageURL,
		SourceURL:       target.URL,
		SourcePlatform:  platform,
		ScrapedAt:       scrapedAt,
		ProductURL:      rec.ProductURL,
	}
	if rec.HasOriginal && rec.OriginalPrice > rec.Price {
		v := rec.OriginalPrice
		item.OriginalPrice = &v
	}
	if rec.HasInputMax && rec.InputMax <= 100 {
		q := int(rec.InputMax)
		item.Quantity = &q
		item.QuantitySource = model.QuantitySourceInputMax
	} else if rec.QuantityWarning != "" {
		item.QuantitySource = model.QuantitySourceWarningText
	} else if rec.SoldOut {
		item.QuantitySource = model.QuantitySourceSoldOutClass
		zero := 0
		item.Quantity = &zero
	} else {
		item.QuantitySource = model.QuantitySourceInferred
	}
	return item
}
