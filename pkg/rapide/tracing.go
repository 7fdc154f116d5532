package rapide

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "rapide")
	TracerName string
	// SkipPaths lists :path values to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "rapide",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that adds OpenTelemetry tracing to HTTP/3
// requests. It uses default configuration settings and skips tracing for
// health and metrics endpoints.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that adds OpenTelemetry tracing
// with custom configuration. It creates a span per HEADERS event and
// extracts the parent trace context from the request headers.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "rapide"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := otel.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFuncs{
			Headers: func(c *Conn, ev HeadersEvent) {
				method, path := pseudoHeaders(ev.Headers)
				if skipMap[path] {
					next.OnHeaders(c, ev)
					return
				}

				carrier := headerCarrier(ev.Headers)
				parentCtx := config.Propagator.Extract(context.Background(), carrier)

				spanName := method
				if path != "" {
					spanName = method + " " + path
				}
				_, span := tracer.Start(
					parentCtx,
					spanName,
					trace.WithSpanKind(trace.SpanKindServer),
				)
				defer span.End()

				span.SetAttributes(
					attribute.String("http.method", method),
					attribute.String("http.target", path),
					attribute.Int64("http3.stream_id", int64(ev.StreamID)),
					attribute.String("rapide.connection_id", c.ID()),
				)
				if ev.PushID != nil {
					span.SetAttributes(attribute.Int64("http3.push_id", int64(*ev.PushID)))
				}

				next.OnHeaders(c, ev)
			},
			Data:        next.OnData,
			PushPromise: next.OnPushPromise,
		}
	}
}

// pseudoHeaders extracts the :method and :path pseudo-headers from a
// decoded header list.
func pseudoHeaders(headers [][2]string) (method, path string) {
	for _, h := range headers {
		switch h[0] {
		case ":method":
			method = h[1]
		case ":path":
			path = h[1]
		}
	}
	return method, path
}

// headerCarrier adapts a decoded header list to propagation.TextMapCarrier.
// It is read-only: Set is a no-op because received headers are immutable.
type headerCarrier [][2]string

func (hc headerCarrier) Get(key string) string {
	for _, h := range hc {
		if h[0] == key {
			return h[1]
		}
	}
	return ""
}

func (hc headerCarrier) Set(key, value string) {}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for _, h := range hc {
		keys = append(keys, h[0])
	}
	return keys
}
