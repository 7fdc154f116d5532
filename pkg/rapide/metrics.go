package rapide

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rapide_http_requests_total",
			Help: "Total number of HTTP/3 requests",
		},
		[]string{"method", "path"},
	)

	httpRequestBodyBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rapide_http_request_body_bytes_total",
			Help: "Total bytes of request body received",
		},
	)

	httpPushPromisesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rapide_http_push_promises_total",
			Help: "Total number of PUSH_PROMISE frames observed",
		},
	)
)

// PrometheusConfig holds configuration for Prometheus metrics middleware.
type PrometheusConfig struct {
	// SkipPaths lists :path values to skip metrics collection
	SkipPaths []string
}

// DefaultPrometheusConfig returns a PrometheusConfig with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		SkipPaths: []string{"/metrics"},
	}
}

// Prometheus returns a middleware that collects Prometheus metrics.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a middleware that collects Prometheus metrics
// with custom configuration.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFuncs{
			Headers: func(c *Conn, ev HeadersEvent) {
				method, path := pseudoHeaders(ev.Headers)
				if !skipMap[path] && method != "" {
					httpRequestsTotal.WithLabelValues(method, path).Inc()
				}
				next.OnHeaders(c, ev)
			},
			Data: func(c *Conn, ev DataEvent) {
				httpRequestBodyBytes.Add(float64(len(ev.Data)))
				next.OnData(c, ev)
			},
			PushPromise: func(c *Conn, ev PushPromiseEvent) {
				httpPushPromisesTotal.Inc()
				next.OnPushPromise(c, ev)
			},
		}
	}
}
