package spadrill

import (
	"fmt"

	"github.com/goccy/go-json"
)

// cardRecord is the shape the in-page card extractor reports.
type cardRecord struct {
	Name            string  `json:"name"`
	Brand           string  `json:"brand"`
	Category        string  `json:"category"`
	Price           float64 `json:"price"`
	OriginalPrice   float64 `json:"originalPrice"`
	HasOriginal     bool    `json:"hasOriginal"`
	SoldOut         bool    `json:"soldOut"`
	QuantityWarning string  `json:"quantityWarning"`
	HasInputMax     bool    `json:"hasInputMax"`
	InputMax        float64 `json:"inputMax"`
	DetailURL       string  `json:"detailUrl"`
	ImageURL        string  `json:"imageUrl"`
	THC             string  `json:"thc"`
	CBD             string  `json:"cbd"`
}

func cardExtractorScript(cardSelector string) string {
	return fmt.Sprintf(`(() => {
  const cards = Array.from(document.querySelectorAll(%q));
  return cards.map((card) => {
    const text = (sel) => {
      const el = card.querySelector(sel);
      return el ? (el.textContent || "").trim() : "";
    };
    const attr = (sel, name) => {
      const el = card.querySelector(sel);
      return el ? (el.getAttribute(name) || "") : "";
    };
    const priceText = text("[data-testid='price']") || text(".price");
    const originalPriceText = text("[data-testid='original-price']") || text(".price--original");
    const input = card.querySelector("input[type=number]");
    return {
      name: text("[data-testid='product-name']") || text(".product-name"),
      brand: text("[data-testid='brand-name']") || text(".brand-name"),
      category: card.getAttribute("data-category") || "",
      price: parseFloat(priceText.replace(/[^0-9.]/g, "")) || 0,
      hasOriginal: originalPriceText.length > 0,
      originalPrice: parseFloat(originalPriceText.replace(/[^0-9.]/g, "")) || 0,
      soldOut: card.className.indexOf("sold-out") !== -1 || card.className.indexOf("out-of-stock") !== -1,
      quantityWarning: text("[data-testid='stock-warning']") || text(".low-stock-warning"),
      hasInputMax: !!(input && input.getAttribute("max")),
      inputMax: input ? (parseFloat(input.getAttribute("max")) || 0) : 0,
      detailUrl: attr("a", "href"),
      imageUrl: attr("img", "src"),
      thc: text("[data-testid='thc']") || text(".thc"),
      cbd: text("[data-testid='cbd']") || text(".cbd"),
    };
  });
})()`, cardSelector)
}

// ageGateDetectScript returns the text of the first button on the page
// matching the age-verification affirmative pattern, or "" if none does;
// dismissAgeGate re-checks the returned label in Go before clicking.
func ageGateDetectScript() string {
	return `(() => {
  const buttons = Array.from(document.querySelectorAll("button"));
  for (const b of buttons) {
    const t = (b.textContent || "").trim();
    if (/^(yes|i am 21|21\+|enter|i agree)/i.test(t)) return t;
  }
  return "";
})()`
}

func ageGateClickScript() string {
	return `(() => {
  const buttons = Array.from(document.querySelectorAll("button"));
  for (const b of buttons) {
    const t = (b.textContent || "").trim();
    if (/^(yes|i am 21|21\+|enter|i agree)/i.test(t)) {
      b.dispatchEvent(new Event("click"));
      return true;
    }
  }
  return false;
})()`
}

func scrollScript(viewports int) string {
	return fmt.Sprintf(`(() => {
  const h = window.innerHeight || 800;
  for (let i = 1; i <= %d; i++) {
    window.scrollTo(0, h * i);
  }
  window.scrollTo(0, 0);
  return true;
})()`, viewports)
}

func decodeCardRecords(raw any) ([]cardRecord, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var records []cardRecord
	if err := json.Unmarshal(buf, &records); err != nil {
		return nil, err
	}
	return records, nil
}
