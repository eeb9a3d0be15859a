// Package ssrjson implements the SSR-JSON platform extractor (spec §4.2.a):
// product data embedded in a server-rendered hydration payload, fetched over
// plain HTTP with no browser involved.
package ssrjson

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/leafpulse/tracker/internal/extract"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/scraperr"
)

// Config configures one SSR-JSON strategy instance. CollectionPaths are
// tried in order against the decoded payload; the first path that resolves
// to a non-empty JSON array wins.
type Config struct {
	PlatformName    string
	URLPattern      *regexp.Regexp
	HTMLSignatures  []string
	PayloadElementID string
	CollectionPaths []string
	HTTPClient      *http.Client
	FetchTimeout    time.Duration
}

// DefaultCollectionPaths covers the common hydration shapes observed across
// embedded-menu platforms: showcased groups, active deals, and flat search
// results.
var DefaultCollectionPaths = []string{
	"props.pageProps.initialState.menu.products",
	"props.pageProps.initialState.menu.filteredProducts",
	"props.pageProps.deals",
	"props.pageProps.searchResults.products",
}

// Strategy is the SSR-JSON extractor.
type Strategy struct {
	cfg Config
}

// New constructs an SSR-JSON strategy. An empty PayloadElementID defaults to
// "__NEXT_DATA__", the hydration marker used by the common React/Next
// storefront shape this strategy targets.
func New(cfg Config) *Strategy {
	if cfg.PayloadElementID == "" {
		cfg.PayloadElementID = "__NEXT_DATA__"
	}
	if len(cfg.CollectionPaths) == 0 {
		cfg.CollectionPaths = DefaultCollectionPaths
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Strategy{cfg: cfg}
}

func (s *Strategy) Name() string                   { return "ssr-json:" + s.cfg.PlatformName }
func (s *Strategy) URLPattern() *regexp.Regexp      { return s.cfg.URLPattern }
func (s *Strategy) HTMLSignatures() []string        { return s.cfg.HTMLSignatures }

func (s *Strategy) Extract(ctx context.Context, target extract.Target) ([]model.ScrapedItem, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	html, err := s.fetch(fetchCtx, target.URL)
	if err != nil {
		return nil, err
	}
	if err := extract.DetectBotChallenge(html); err != nil {
		return nil, err
	}

	payload, err := extractPayload(html, s.cfg.PayloadElementID)
	if err != nil {
		return nil, scraperr.New(s.cfg.PlatformName, scraperr.CodeParseFailed,
			scraperr.WithMessage("locate hydration payload"),
			scraperr.WithCause(err),
		)
	}

	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, scraperr.New(s.cfg.PlatformName, scraperr.CodeParseFailed,
			scraperr.WithMessage("decode hydration payload"),
			scraperr.WithCause(err),
		)
	}

	records, path := resolveCollection(doc, s.cfg.CollectionPaths)
	if records == nil {
		return nil, scraperr.New(s.cfg.PlatformName, scraperr.CodeParseFailed,
			scraperr.WithMessage("no known collection path resolved in hydration payload"),
		)
	}
	_ = path

	scrapedAt := target.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now().UTC()
	}

	items := make([]model.ScrapedItem, 0, len(records))
	for _, rec := range records {
		m, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		item, ok := mapRecord(m, target, s.cfg.PlatformName, scrapedAt)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Strategy) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", scraperr.New(s.cfg.PlatformName, scraperr.CodeNavigationFailed,
			scraperr.WithMessage("fetch menu page"),
			scraperr.WithCause(err),
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", scraperr.New(s.cfg.PlatformName, scraperr.CodeRateLimit,
			scraperr.WithHTTP(resp.StatusCode),
			scraperr.WithMessage("menu fetch rate limited"),
		)
	}
	if resp.StatusCode >= 400 {
		return "", scraperr.New(s.cfg.PlatformName, scraperr.CodeNavigationFailed,
			scraperr.WithHTTP(resp.StatusCode),
			scraperr.WithMessage("menu fetch returned error status"),
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	return string(body), nil
}

func extractPayload(html, elementID string) (string, error) {
	pattern := regexp.MustCompile(fmt.Sprintf(`(?is)<script[^>]*\bid\s*=\s*["']%s["'][^>]*>(.*?)</script>`, regexp.QuoteMeta(elementID)))
	m := pattern.FindStringSubmatch(html)
	if m == nil {
		return "", fmt.Errorf("element %q not found", elementID)
	}
	return strings.TrimSpace(m[1]), nil
}

// resolveCollection walks each dot-path in order and returns the first one
// that resolves to a non-empty JSON array.
func resolveCollection(doc any, paths []string) ([]any, string) {
	for _, path := range paths {
		cur := doc
		segments := strings.Split(path, ".")
		ok := true
		for _, seg := range segments {
			m, isMap := cur.(map[string]any)
			if !isMap {
				ok = false
				break
			}
			next, exists := m[seg]
			if !exists {
				ok = false
				break
			}
			cur = next
		}
		if !ok {
			continue
		}
		if arr, isArr := cur.([]any); isArr && len(arr) > 0 {
			return arr, path
		}
	}
	return nil, ""
}

func mapRecord(m map[string]any, target extract.Target, platform string, scrapedAt time.Time) (model.ScrapedItem, bool) {
	name := stringField(m, "name", "productName", "Name")
	if name == "" {
		return model.ScrapedItem{}, false
	}
	brand := stringField(m, "brandName", "brand", "Brand")
	category := stringField(m, "category", "type", "Category")
	priceCents, havePrice := numberField(m, "price", "Price", "unitPrice")
	if !havePrice {
		return model.ScrapedItem{}, false
	}
	price := priceCents / 100

	var originalPrice *float64
	if origCents, ok := numberField(m, "originalPrice", "compareAtPrice", "msrp"); ok && origCents > priceCents {
		v := origCents / 100
		originalPrice = &v
	}

	inStock := true
	if v, ok := m["inStock"]; ok {
		if b, isBool := v.(bool); isBool {
			inStock = b
		}
	}

	var quantity *int
	var warning string
	if qty, ok := numberField(m, "quantity", "Quantity", "inventory"); ok {
		q := int(qty)
		quantity = &q
	} else if w := stringField(m, "quantityWarning", "stockWarning"); w != "" {
		warning = w
	}

	thc := stringField(m, "thcFormatted", "THCContent", "thc")
	cbd := stringField(m, "cbdFormatted", "CBDContent", "cbd")
	image := stringField(m, "imageUrl", "image", "Image")
	productURL := stringField(m, "url", "slug", "productUrl")

	return model.ScrapedItem{
		RawProductName:  name,
		RawBrandName:    brand,
		RawCategory:     category,
		Price:           price,
		OriginalPrice:   originalPrice,
		InStock:         inStock,
		Quantity:        quantity,
		QuantityWarning: warning,
		QuantitySource:  model.QuantitySourceSSR,
		THCFormatted:    thc,
		CBDFormatted:    cbd,
		ImageURL:        image,
		SourceURL:       target.URL,
		SourcePlatform:  platform,
		ScrapedAt:       scrapedAt,
		ProductURL:      productURL,
	}, true
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, isStr := v.(string); isStr {
				return s
			}
		}
	}
	return ""
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case int:
				return float64(n), true
			}
		}
	}
	return 0, false
}
