package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshrelay"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics holds every relay collector. Components receive the whole struct
// and touch only their own fields.
type Metrics struct {
	// Ingest
	IngestConnections  prometheus.Gauge
	IngestBytes        prometheus.Counter
	FramesTotal        prometheus.Counter
	FrameBytes         prometheus.Histogram
	PayloadBytes       prometheus.Histogram
	DecompressDuration prometheus.Histogram
	Errors             *prometheus.CounterVec
	ProducersRejected  prometheus.Counter

	// Registry
	SubscribersCurrent  prometheus.Gauge
	BroadcastsTotal     prometheus.Counter
	BroadcastRecipients prometheus.Histogram
	SubscribersEvicted  prometheus.Counter
	RegistryPanics      prometheus.Counter

	// Fan-out
	FanoutConnections   *prometheus.CounterVec
	MessageSendDuration prometheus.Histogram
	PingFailures        prometheus.Counter
}

// New creates and registers relay metrics on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	sizeBuckets := prometheus.ExponentialBuckets(256, 4, 10) // 256 B .. 64 MiB

	m := &Metrics{
		IngestConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "connections",
			Help:      "Number of open producer connections.",
		}),
		IngestBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Total bytes read from producer connections.",
		}),
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "frames_total",
			Help:      "Total complete frames extracted from producer streams.",
		}),
		FrameBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "frame_bytes",
			Help:      "Compressed frame size in bytes.",
			Buckets:   sizeBuckets,
		}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "payload_bytes",
			Help:      "Decompressed payload size in bytes.",
			Buckets:   sizeBuckets,
		}),
		DecompressDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "decompress_duration_seconds",
			Help:      "Time spent inflating one frame.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Relay errors by kind (framing/decode/send/bind/internal).",
		}, []string{"kind"}),
		ProducersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "producers_rejected_total",
			Help:      "Producer connections closed by the producer policy.",
		}),
		SubscribersCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscribers",
			Help:      "Number of registered subscribers.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "broadcasts_total",
			Help:      "Total payloads broadcast.",
		}),
		BroadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "broadcast_recipients",
			Help:      "Number of subscribers each payload was handed to.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		SubscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscribers_evicted_total",
			Help:      "Subscribers dropped because a send failed.",
		}),
		RegistryPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "panics_total",
			Help:      "Registry actor panic recoveries.",
		}),
		FanoutConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "connections_total",
			Help:      "Consumer connection attempts by result (accepted/global_limit/per_ip_limit/rate_limit/registry_full/upgrade_error).",
		}, []string{"result"}),
		MessageSendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "message_send_duration_seconds",
			Help:      "WebSocket message write duration in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "ping_failures_total",
			Help:      "WebSocket ping writes that failed.",
		}),
	}

	reg.MustRegister(
		m.IngestConnections, m.IngestBytes, m.FramesTotal, m.FrameBytes, m.PayloadBytes,
		m.DecompressDuration, m.Errors, m.ProducersRejected,
		m.SubscribersCurrent, m.BroadcastsTotal, m.BroadcastRecipients, m.SubscribersEvicted, m.RegistryPanics,
		m.FanoutConnections, m.MessageSendDuration, m.PingFailures,
	)
	return m
}

// NewUnregistered returns metrics backed by a throwaway registry, for tests
// and for components built without one.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
