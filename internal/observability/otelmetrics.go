package observability

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// OTelConfig configures the OpenTelemetry metrics exporter.
type OTelConfig struct {
	ServiceName  string
	OTLPEndpoint string
}

// InitOTelMetrics configures an OpenTelemetry meter provider and returns a Metrics
// implementation backed by it, along with a shutdown function. An empty endpoint
// yields a no-op provider so the tracker runs without a collector present.
func InitOTelMetrics(ctx context.Context, cfg OTelConfig) (Metrics, func(context.Context) error, error) {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "tracker"
	}
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return newOTelMetrics(provider, service), func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseOTLPEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes())
	if err != nil {
		return nil, nil, fmt.Errorf("create otel resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)

	metrics := newOTelMetrics(provider, service)
	shutdown := func(ctx context.Context) error {
		return provider.Shutdown(ctx)
	}
	return metrics, shutdown, nil
}

func parseOTLPEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

type otelMetrics struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

func newOTelMetrics(provider apimetric.MeterProvider, service string) *otelMetrics {
	return &otelMetrics{
		meter:      provider.Meter(service),
		counters:   make(map[string]apimetric.Float64Counter),
		histograms: make(map[string]apimetric.Float64Histogram),
		gauges:     make(map[string]apimetric.Float64Gauge),
	}
}

func (m *otelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		counter, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(attrsFromLabels(labels)...))
}

func (m *otelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	hist, ok := m.histograms[name]
	if !ok {
		var err error
		hist, err = m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = hist
	}
	m.mu.Unlock()
	hist.Record(context.Background(), value, apimetric.WithAttributes(attrsFromLabels(labels)...))
}

func (m *otelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		var err error
		gauge, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(attrsFromLabels(labels)...))
}
