package scraperr

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadata(t *testing.T) {
	err := New(
		"extract/ajaxdom",
		CodeBlocked,
		WithHTTP(403),
		WithMessage("cloudflare challenge detected"),
		WithReason("cf-turnstile"),
		WithMetadata(map[string]string{"url": "https://example.test/menu"}),
		WithCause(errors.New("html contains challenges.cloudflare.com")),
	)

	out := err.Error()
	for _, want := range []string{"source=extract/ajaxdom", "code=blocked", "http=403", "reason=", "cause="} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in error string: %s", want, out)
		}
	}
}

func TestIsMatchesWrappedCode(t *testing.T) {
	base := New("browser", CodeNavigationFailed, WithMessage("timed out"))
	wrapped := errors.Join(errors.New("context"), base)
	if !Is(wrapped, CodeNavigationFailed) {
		t.Fatalf("expected wrapped error to match code navigation_failed")
	}
	if Is(wrapped, CodeBlocked) {
		t.Fatalf("did not expect match for unrelated code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected <nil> for nil receiver, got %q", e.Error())
	}
}
