package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rapide_h3_frames_received_total",
			Help: "Total number of HTTP/3 frames received, by frame type",
		},
		[]string{"type"},
	)

	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rapide_h3_events_emitted_total",
			Help: "Total number of application events emitted, by event type",
		},
		[]string{"type"},
	)

	blockedStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rapide_h3_blocked_streams",
			Help: "Current number of streams blocked on QPACK encoder stream state",
		},
	)

	connectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rapide_h3_connection_errors_total",
			Help: "Total number of fatal connection errors, by HTTP/3 error code",
		},
		[]string{"code"},
	)

	headerBlockBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rapide_h3_header_block_bytes",
			Help:    "Size of decoded field blocks in bytes",
			Buckets: []float64{64, 256, 1024, 4096, 16384},
		},
	)
)
