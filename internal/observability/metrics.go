package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "serialsync"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	linkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames written or decoded, by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
	linkCorruptFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "corrupt_frames_total",
			Help:      "Inbound frames dropped for a bad checksum, by shape.",
		},
		[]string{"shape"},
	)
	linkDiscardedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "discarded_bytes_total",
			Help:      "Inbound bytes skipped while resynchronizing.",
		},
	)
	linkRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "chunk_retries_total",
			Help:      "Chunk retransmissions after an ack timeout.",
		},
	)
	linkTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "transfers_total",
			Help:      "Chunked transfers by direction and result.",
		},
		[]string{"direction", "result"},
	)
	linkTransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes moved by completed chunked transfers.",
		},
		[]string{"direction"},
	)
	linkTransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "transfer_duration_seconds",
			Help:      "Chunked transfer duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"direction"},
	)
	linkConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while the serial link is open.",
		},
	)
	linkInboundSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "inbound_sessions",
			Help:      "Open inbound assembly sessions.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linkFrames, linkCorruptFrames, linkDiscardedBytes, linkRetries,
			linkTransfers, linkTransferBytes, linkTransferDuration,
			linkConnected, linkInboundSessions,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(direction, kind string) {
	RegisterMetrics()
	linkFrames.WithLabelValues(direction, kind).Inc()
}

func RecordCorruptFrame(shape string) {
	RegisterMetrics()
	linkCorruptFrames.WithLabelValues(shape).Inc()
}

func RecordDiscardedBytes(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	linkDiscardedBytes.Add(float64(n))
}

func RecordChunkRetry() {
	RegisterMetrics()
	linkRetries.Inc()
}

func RecordTransfer(direction string, bytes int, duration time.Duration, success bool) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "failed"
	}
	linkTransfers.WithLabelValues(direction, result).Inc()
	if success {
		linkTransferBytes.WithLabelValues(direction).Add(float64(bytes))
		linkTransferDuration.WithLabelValues(direction).Observe(duration.Seconds())
	}
}

func SetLinkConnected(connected bool) {
	RegisterMetrics()
	if connected {
		linkConnected.Set(1)
		return
	}
	linkConnected.Set(0)
}

func SetInboundSessions(n int) {
	RegisterMetrics()
	linkInboundSessions.Set(float64(n))
}
