package spadrill

import (
	"context"
	"regexp"
	"testing"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/browser/browserfake"
	"github.com/leafpulse/tracker/internal/extract"
)

type fakePool struct {
	fixture *browserfake.Fixture
}

func (p *fakePool) Acquire(ctx context.Context, cfg browser.Config) (browser.Session, error) {
	return browserfake.NewSession(p.fixture), nil
}

func TestExtractDismissesAgeGateAndReadsCards(t *testing.T) {
	fixture := browserfake.NewFixture()
	fixture.Register("button", &browserfake.Element{Tag: "button", Text: "I Agree"})
	fixture.Register("[data-testid='product-card']",
		&browserfake.Element{
			Tag:   "div",
			Class: "product-card",
			Nested: map[string][]*browserfake.Element{
				"[data-testid='product-name']": {{Text: "OG Kush 3.5g"}},
				"[data-testid='brand-name']":   {{Text: "Summit Grow"}},
				"[data-testid='price']":        {{Text: "$38.00"}},
				"a":                             {{Attributes: map[string]string{"href": "/product/og-kush"}}},
			},
		},
	)

	strategy := New(Config{
		PlatformName: "spaplatform",
		URLPattern:   regexp.MustCompile(`spaplatform\.com`),
	}, &fakePool{fixture: fixture})

	items, err := strategy.Extract(context.Background(), extract.Target{
		RetailerID: "r1",
		URL:        "https://spaplatform.com/menu/r1",
		Platform:   "spaplatform",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].RawProductName != "OG Kush 3.5g" {
		t.Fatalf("unexpected name: %q", items[0].RawProductName)
	}
	if items[0].Price != 38.0 {
		t.Fatalf("expected price 38.0, got %v", items[0].Price)
	}
}

func TestMatchQuantityPatternRecognizesAllForms(t *testing.T) {
	cases := map[string]int{
		"Only 4 left in stock":       4,
		"7 left":                     7,
		"12 remaining":                12,
		"3 available":                 3,
		"Hurry, only 2 left!":         2,
		"Limited: 5":                  5,
		"Low stock: 1":                1,
	}
	for text, want := range cases {
		got, ok := matchQuantityPattern(text)
		if !ok {
			t.Fatalf("expected a match for %q", text)
		}
		if got != want {
			t.Fatalf("%q: expected %d, got %d", text, want, got)
		}
	}
}

func TestMatchOutOfStockPhraseDetectsKnownPhrases(t *testing.T) {
	for _, phrase := range []string{"Out of Stock", "SOLD OUT", "currently unavailable", "not available in your area"} {
		if !matchOutOfStockPhrase(phrase) {
			t.Fatalf("expected %q to be detected as out of stock", phrase)
		}
	}
	if matchOutOfStockPhrase("12 left in stock") {
		t.Fatalf("did not expect in-stock text to match out-of-stock phrases")
	}
}
