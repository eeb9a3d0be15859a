package browserfake

import (
	"context"
	"testing"

	"github.com/leafpulse/tracker/internal/browser"
)

func TestEvaluateReadsFixtureElement(t *testing.T) {
	fixture := NewFixture().Register(".price", &Element{Tag: "span", Text: "$24.00"})
	page := newPage(fixture)

	result, err := page.Evaluate(context.Background(), `document.querySelector(".price").textContent`)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result != "$24.00" {
		t.Fatalf("expected $24.00, got %v", result)
	}
}

func TestEvaluateFunctionRunsWithArgs(t *testing.T) {
	fixture := NewFixture()
	page := newPage(fixture)

	result, err := page.EvaluateFunction(context.Background(), "function(a, b) { return a + b; }", 2, 3)
	if err != nil {
		t.Fatalf("evaluate function: %v", err)
	}
	if result != int64(5) {
		t.Fatalf("expected 5, got %v (%T)", result, result)
	}
}

func TestWaitForSelectorFailsWhenUnregistered(t *testing.T) {
	fixture := NewFixture()
	page := newPage(fixture)
	if err := page.WaitForSelector(context.Background(), ".missing", browser.WaitOptions{}); err == nil {
		t.Fatalf("expected error for unregistered selector")
	}
}
