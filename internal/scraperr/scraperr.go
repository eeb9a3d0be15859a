// Package scraperr provides structured error types and helpers for the tracker.
package scraperr

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a category of failure in the scrape-normalize-delta-notify pipeline.
type Code string

const (
	// CodeBrowserUnavailable indicates session acquisition failed after all retries.
	CodeBrowserUnavailable Code = "browser_unavailable"
	// CodeNavigationFailed indicates the remote browser could not load a URL.
	CodeNavigationFailed Code = "navigation_failed"
	// CodeBlocked indicates a bot-protection challenge was detected.
	CodeBlocked Code = "blocked"
	// CodeEvaluationFailed indicates JS evaluation in the page threw.
	CodeEvaluationFailed Code = "evaluation_failed"
	// CodeRateLimit indicates an HTTP 429 from an upstream.
	CodeRateLimit Code = "rate_limit"
	// CodeTimeout indicates a deadline was exceeded.
	CodeTimeout Code = "timeout"
	// CodeParseFailed indicates an SSR payload did not contain the expected shape.
	CodeParseFailed Code = "parse_failed"
	// CodeValidationFailed indicates ingestion rejected required fields.
	CodeValidationFailed Code = "validation_failed"
	// CodePersistFailed indicates a transactional write failed after retries.
	CodePersistFailed Code = "persist_failed"
	// CodeWebhookFailed indicates a non-2xx webhook response.
	CodeWebhookFailed Code = "webhook_failed"
	// CodeExhausted indicates the retry queue gave up after maxRetries.
	CodeExhausted Code = "exhausted"
)

// E captures structured error information produced across the tracker stack.
type E struct {
	Source     string
	Code       Code
	HTTP       int
	Message    string
	Reason     string
	RetryAfter string
	Metadata   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given source and code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source: strings.TrimSpace(source),
		Code:   code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithReason attaches a machine-discoverable reason string (e.g. a bot-block signature).
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) { e.Reason = trimmed }
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithRetryAfter attaches a retry-after hint surfaced while a circuit is open.
func WithRetryAfter(hint string) Option {
	trimmed := strings.TrimSpace(hint)
	return func(e *E) { e.RetryAfter = trimmed }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+strconv.Quote(e.Reason))
	}
	if e.RetryAfter != "" {
		parts = append(parts, "retry_after="+strconv.Quote(e.RetryAfter))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "metadata="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err is an *E carrying the given code.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
