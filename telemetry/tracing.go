package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// instrumentation scope shared by every span of the process
const scope = "github.com/onnwee/game-tender"

// TraceConfig describes the exporter and the process resource.
type TraceConfig struct {
	ServiceName  string
	Version      string
	Endpoint     string  // OTLP gRPC host:port; empty disables tracing
	SampleRatio  float64 // share of new traces kept; child spans follow their parent
	StoreBackend string
	PollInterval time.Duration
}

func (c TraceConfig) resourceAttrs() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
	}
	if c.StoreBackend != "" {
		attrs = append(attrs, attribute.String("game_tender.store_backend", c.StoreBackend))
	}
	if c.PollInterval > 0 {
		attrs = append(attrs, attribute.String("game_tender.poll_interval", c.PollInterval.String()))
	}
	return attrs
}

func (c TraceConfig) sampler() sdktrace.Sampler {
	switch {
	case c.SampleRatio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case c.SampleRatio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
	}
}

var tracingEnabled bool

// InitTracing installs an OTLP/gRPC tracer provider. Without an endpoint it
// does nothing and spans stay no-ops. The returned function flushes and stops
// the provider.
func InitTracing(ctx context.Context, cfg TraceConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exporter, err := otlptracegrpc.New(initCtx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(initCtx, resource.WithAttributes(cfg.resourceAttrs()...))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create trace resource: %w", err), exporter.Shutdown(initCtx))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled = true
	slog.Info("tracing initialized",
		slog.String("service", cfg.ServiceName),
		slog.String("endpoint", cfg.Endpoint),
		slog.Float64("sample_ratio", cfg.SampleRatio))
	return tp.Shutdown, nil
}

// IsTracingEnabled reports whether InitTracing installed an exporter.
func IsTracingEnabled() bool {
	return tracingEnabled
}

// StartSpan starts a span under the process scope, tagged with the
// correlation id carried by ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetSpanHTTPStatus records a response status; 5xx marks the span failed.
func SetSpanHTTPStatus(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(status))
	}
}

// GameAttr tags a span with a Steam app id.
func GameAttr(id int64) attribute.KeyValue { return attribute.Int64("game.id", id) }

// CycleAttr tags a span with a poll cycle id.
func CycleAttr(id string) attribute.KeyValue { return attribute.String("poll.cycle_id", id) }

// EventsAttr records how many change events a span produced.
func EventsAttr(n int) attribute.KeyValue { return attribute.Int("game.events", n) }

// SteamEndpointAttr tags a span with the Steam endpoint called.
func SteamEndpointAttr(endpoint string) attribute.KeyValue {
	return attribute.String("steam.endpoint", endpoint)
}

// CommandAttr tags a span with a chat command name.
func CommandAttr(name string) attribute.KeyValue { return attribute.String("bot.command", name) }

// HTTPRequestAttrs tags a server span with the request method and path.
func HTTPRequestAttrs(method, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	}
}
