package ajaxdom

import (
	"fmt"

	"github.com/goccy/go-json"
)

// cardExtractorScript builds the in-page JS that walks every matched card
// and reports the raw fields the DOM exposes. It never normalizes values;
// normalization happens in Go (spec §4.1) after the round trip.
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
    const result = {
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
      productUrl: attr("a", "href"),
      imageUrl: attr("img", "src"),
      thc: text("[data-testid='thc']") || text(".thc"),
      cbd: text("[data-testid='cbd']") || text(".cbd"),
    };
    return result;
  });
})()`, cardSelector)
}

// decodeCardRecords converts the JSON-serializable value returned by
// Page.Evaluate (a []any of map[string]any, round-tripped through the
// browser RPC transport) into typed cardRecords.
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
