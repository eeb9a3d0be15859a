package ajaxdom

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

func TestExtractReadsHydratedCards(t *testing.T) {
	fixture := browserfake.NewFixture()
	fixture.Register("[data-testid='product-card']",
		&browserfake.Element{
			Tag:   "div",
			Class: "product-card",
			Nested: map[string][]*browserfake.Element{
				"[data-testid='product-name']": {{Text: "Blue Dream 3.5g"}},
				"[data-testid='brand-name']":   {{Text: "Coastal Farms"}},
				"[data-testid='price']":        {{Text: "$42.00"}},
				"a":                             {{Attributes: map[string]string{"href": "/product/blue-dream"}}},
				"img":                           {{Attributes: map[string]string{"src": "/img/blue-dream.jpg"}}},
			},
		},
		&browserfake.Element{
			Tag:   "div",
			Class: "product-card sold-out",
			Nested: map[string][]*browserfake.Element{
				"[data-testid='product-name']": {{Text: "Sour Diesel 1g"}},
				"[data-testid='brand-name']":   {{Text: "Coastal Farms"}},
				"[data-testid='price']":        {{Text: "$15.00"}},
			},
		},
	)

	strategy := New(Config{
		PlatformName: "testplatform",
		URLPattern:   regexp.MustCompile(`testplatform\.com`),
	}, &fakePool{fixture: fixture})

	items, err := strategy.Extract(context.Background(), extract.Target{
		RetailerID: "r1",
		URL:        "https://testplatform.com/menu/r1",
		Platform:   "testplatform",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].RawProductName != "Blue Dream 3.5g" {
		t.Fatalf("unexpected name: %q", items[0].RawProductName)
	}
	if items[0].Price != 42.0 {
		t.Fatalf("expected price 42.0, got %v", items[0].Price)
	}
	if !items[0].InStock {
		t.Fatalf("expected first card in stock")
	}
	if items[1].InStock {
		t.Fatalf("expected second card sold out")
	}
	if items[1].Quantity == nil || *items[1].Quantity != 0 {
		t.Fatalf("expected sold-out card to report quantity 0")
	}
}
