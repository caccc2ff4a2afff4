// Package telemetry exports provider counters through OpenTelemetry.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sys/unix"
)

const meterName = "github.com/yuuki/cxiverbs/cxi"

// Metrics holds the provider's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider // owned, nil when borrowed

	commands metric.Int64Counter
	posted   metric.Int64Counter
	polled   metric.Int64Counter
	live     metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	commands, err := meter.Int64Counter(
		"cxi.commands",
		metric.WithDescription("Kernel commands issued"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	posted, err := meter.Int64Counter(
		"cxi.wr.posted",
		metric.WithDescription("Work requests accepted by a work queue"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	polled, err := meter.Int64Counter(
		"cxi.wc.polled",
		metric.WithDescription("Work completions returned by poll"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}

	live, err := meter.Int64UpDownCounter(
		"cxi.resources.live",
		metric.WithDescription("Live provider resources"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		commands: commands,
		posted:   posted,
		polled:   polled,
		live:     live,
	}, nil
}

// Setup returns metrics bound to an OTLP exporter at endpoint, or to the
// global meter provider when endpoint is empty.
func Setup(ctx context.Context, endpoint string, interval time.Duration) (*Metrics, error) {
	if endpoint == "" {
		return NewMetrics(otel.GetMeterProvider())
	}

	provider, err := NewMeterProvider(ctx, endpoint, interval)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(provider)

	m, err := NewMetrics(provider)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// NewMeterProvider builds a meter provider that pushes to an OTLP collector.
// The endpoint scheme selects the exporter: grpc (default), grpcs, http or
// https.
func NewMeterProvider(ctx context.Context, endpoint string, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	scheme, host, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("cxiverbs"),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(host),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(host))
	case "http":
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(host),
			otlpmetrichttp.WithInsecure(),
		)
	case "https":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(host))
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme %q in %s", scheme, endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, host, err)
	}

	if interval <= 0 {
		interval = 10 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

// parseEndpoint splits an OTLP endpoint into scheme and host:port. A bare
// host:port defaults to grpc.
func parseEndpoint(endpoint string) (string, string, error) {
	if !strings.Contains(endpoint, "://") {
		if endpoint == "" || strings.Contains(endpoint, "/") || !strings.Contains(endpoint, ":") {
			return "", "", fmt.Errorf("metrics endpoint %q is not a valid host:port", endpoint)
		}
		return "grpc", endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse metrics endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("metrics endpoint %q is missing a host", endpoint)
	}
	return strings.ToLower(u.Scheme), u.Host, nil
}

// Shutdown flushes and stops an owned meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordCommand counts one kernel command and its outcome.
func (m *Metrics) RecordCommand(op string, err error) {
	if m == nil {
		return
	}
	m.commands.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", Result(err)),
	))
}

// RecordPosted counts work requests accepted on queue ("send" or "recv").
func (m *Metrics) RecordPosted(queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.posted.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordPolled counts completions returned by a poll.
func (m *Metrics) RecordPolled(n int) {
	if m == nil || n == 0 {
		return
	}
	m.polled.Add(context.Background(), int64(n))
}

// ResourceCreated increments the live count of kind.
func (m *Metrics) ResourceCreated(kind string) {
	if m == nil {
		return
	}
	m.live.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ResourceDestroyed decrements the live count of kind.
func (m *Metrics) ResourceDestroyed(kind string) {
	if m == nil {
		return
	}
	m.live.Add(context.Background(), -1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Result classifies err for the result attribute: "ok", the errno name, or
// "error".
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		if name := unix.ErrnoName(errno); name != "" {
			return name
		}
	}
	return "error"
}
