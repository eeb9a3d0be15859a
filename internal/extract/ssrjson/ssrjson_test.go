package ssrjson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/leafpulse/tracker/internal/extract"
)

const fixtureHTML = `<!DOCTYPE html>
<html><head><title>Menu</title></head>
<body>
<div id="root"></div>
<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"initialState":{"menu":{"products":[
{"name":"Blue Dream 3.5g","brandName":"Coastal Farms","category":"Flower","price":4200,"originalPrice":4800,"inStock":true,"quantity":12,"thcFormatted":"24.1%","imageUrl":"/img/a.jpg","url":"/product/blue-dream"},
{"name":"Sour Diesel 1g Preroll","brandName":"Coastal Farms","category":"Preroll","price":1500,"inStock":false}
]}}}}}</script>
</body></html>`

func TestExtractResolvesHydrationPayloadAndMapsRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureHTML))
	}))
	defer server.Close()

	strategy := New(Config{
		PlatformName: "testplatform",
		URLPattern:   regexp.MustCompile(`testplatform\.com`),
		HTTPClient:   server.Client(),
	})

	items, err := strategy.Extract(context.Background(), extract.Target{
		RetailerID: "r1",
		URL:        server.URL,
		Platform:   "testplatform",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	first := items[0]
	if first.RawProductName != "Blue Dream 3.5g" {
		t.Fatalf("unexpected name: %q", first.RawProductName)
	}
	if first.Price != 42.0 {
		t.Fatalf("expected price 42.0, got %v", first.Price)
	}
	if first.OriginalPrice == nil || *first.OriginalPrice != 48.0 {
		t.Fatalf("expected original price 48.0, got %v", first.OriginalPrice)
	}
	if first.Quantity == nil || *first.Quantity != 12 {
		t.Fatalf("expected quantity 12, got %v", first.Quantity)
	}

	second := items[1]
	if second.InStock {
		t.Fatalf("expected second item out of stock")
	}
	if second.OriginalPrice != nil {
		t.Fatalf("expected no original price when absent from payload")
	}
}

func TestExtractFailsWhenHydrationPayloadMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>no hydration payload here</body></html>"))
	}))
	defer server.Close()

	strategy := New(Config{PlatformName: "testplatform", HTTPClient: server.Client()})
	_, err := strategy.Extract(context.Background(), extract.Target{URL: server.URL})
	if err == nil {
		t.Fatalf("expected error when hydration payload is missing")
	}
}

func TestExtractDetectsBotChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>Checking your browser, cf-browser-verification in progress</body></html>"))
	}))
	defer server.Close()

	strategy := New(Config{PlatformName: "testplatform", HTTPClient: server.Client()})
	_, err := strategy.Extract(context.Background(), extract.Target{URL: server.URL})
	if err == nil {
		t.Fatalf("expected bot-challenge error")
	}
}

func TestResolveCollectionTriesPathsInOrder(t *testing.T) {
	doc := map[string]any{
		"props": map[string]any{
			"pageProps": map[string]any{
				"deals": []any{map[string]any{"name": "x"}},
			},
		},
	}
	arr, path := resolveCollection(doc, DefaultCollectionPaths)
	if arr == nil {
		t.Fatalf("expected a resolved collection")
	}
	if path != "props.pageProps.deals" {
		t.Fatalf("expected deals path to win, got %q", path)
	}
}
