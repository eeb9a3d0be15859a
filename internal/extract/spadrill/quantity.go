package spadrill

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/extract"
	"github.com/leafpulse/tracker/internal/model"
)

func cardToItem(c cardRecord, target extract.Target, platform string, scrapedAt time.Time) model.ScrapedItem {
	item := model.ScrapedItem{
		RawProductName:  c.Name,
		RawBrandName:    c.Brand,
		RawCategory:     c.Category,
		Price:           c.Price,
		InStock:         !c.SoldOut,
		QuantityWarning: c.QuantityWarning,
		THCFormatted:    c.THC,
		CBDFormatted:    c.CBD,
		ImageURL:        c.ImageURL,
		SourceURL:       target.URL,
		SourcePlatform:  platform,
		ScrapedAt:       scrapedAt,
		ProductURL:      c.DetailURL,
	}
	if c.HasOriginal && c.OriginalPrice > c.Price {
		v := c.OriginalPrice
		item.OriginalPrice = &v
	}
	switch {
	case c.HasInputMax && c.InputMax <= 100:
		q := int(c.InputMax)
		item.Quantity = &q
		item.QuantitySource = model.QuantitySourceInputMax
	case c.QuantityWarning != "":
		item.QuantitySource = model.QuantitySourceWarningText
	case c.SoldOut:
		zero := 0
		item.Quantity = &zero
		item.QuantitySource = model.QuantitySourceSoldOutClass
	default:
		item.QuantitySource = model.QuantitySourceInferred
	}
	return item
}

// quantityPatterns mirrors the detail-page text patterns in spec §4.2.c
// step 6, each with its quantity capture as the first group.
var quantityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)only\s+(\d+)\s+left`),
	regexp.MustCompile(`(?i)(\d+)\s+left\b`),
	regexp.MustCompile(`(?i)(\d+)\s+remaining`),
	regexp.MustCompile(`(?i)(\d+)\s+available`),
	regexp.MustCompile(`(?i)hurry,?\s+only\s+(\d+)`),
	regexp.MustCompile(`(?i)limited:\s*(\d+)`),
	regexp.MustCompile(`(?i)low stock:\s*(\d+)`),
}

var outOfStockPhrases = []string{
	"out of stock",
	"sold out",
	"unavailable",
	"not available",
}

func matchQuantityPattern(text string) (int, bool) {
	for _, re := range quantityPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

func matchOutOfStockPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range outOfStockPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

var cartOverflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)max(?:imum)?\s*(?:of\s+)?(\d+)`),
	regexp.MustCompile(`(?i)limit(?:ed)?\s*(?:to\s+)?(\d+)`),
	regexp.MustCompile(`(?i)only\s+(\d+)\s+(?:available|remaining|left)`),
	regexp.MustCompile(`(?i)cannot add more than\s+(\d+)`),
}

const cartOverflowProbeValue = "999"

// cartOverflowFallback implements spec §4.2.c step 7: read a quantity
// select's numeric maximum, or write 999 into a numeric input and scan the
// resulting page for a corrected/limit value. Bounded to
// cfg.CartOverflowAttempts tries; the input's original value is restored.
func (s *Strategy) cartOverflowFallback(ctx context.Context, page browser.Page) (int, model.QuantitySource, error) {
	for attempt := 0; attempt < s.cfg.CartOverflowAttempts; attempt++ {
		if qty, ok, err := s.readSelectMax(ctx, page); err != nil {
			return 0, "", err
		} else if ok {
			return qty, model.QuantitySourceCartHack, nil
		}

		qty, ok, err := s.probeNumericInput(ctx, page)
		if err != nil {
			return 0, "", err
		}
		if ok {
			return qty, model.QuantitySourceCartHack, nil
		}
	}
	return 0, "", nil
}

func (s *Strategy) readSelectMax(ctx context.Context, page browser.Page) (int, bool, error) {
	result, err := page.Evaluate(ctx, `(() => {
  const select = document.querySelector("select[name*=quantity], select[id*=quantity]");
  if (!select) return -1;
  let max = -1;
  for (const opt of (select.children || [])) {
    const n = parseInt((opt.value || opt.textContent || ""), 10);
    if (!isNaN(n) && n > max) max = n;
  }
  return max;
})()`)
	if err != nil {
		return 0, false, err
	}
	n, ok := toInt(result)
	if !ok || n < 0 || n >= 50 {
		return 0, false, nil
	}
	return n, true, nil
}

func (s *Strategy) probeNumericInput(ctx context.Context, page browser.Page) (int, bool, error) {
	original, err := page.EvaluateFunction(ctx, `function(probe) {
  const input = document.querySelector("input[type=number]");
  if (!input) return null;
  const prior = input.value;
  input.value = probe;
  input.dispatchEvent(new Event("input"));
  input.dispatchEvent(new Event("change"));
  const corrected = input.value;
  input.value = prior;
  input.dispatchEvent(new Event("input"));
  input.dispatchEvent(new Event("change"));
  return { corrected, bodyText: document.body.innerText || "" };
}`, cartOverflowProbeValue)
	if err != nil {
		return 0, false, err
	}
	fields, ok := original.(map[string]any)
	if !ok {
		return 0, false, nil
	}
	if corrected, ok := fields["corrected"].(string); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(corrected)); err == nil && n < 999 {
			return n, true, nil
		}
	}
	body, _ := fields["bodyText"].(string)
	for _, re := range cartOverflowPatterns {
		m := re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true, nil
		}
	}
	return 0, false, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
