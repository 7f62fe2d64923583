package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JudgesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_judges_online",
			Help: "Number of authenticated judge sessions",
		},
	)
	JudgesWorking = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_judges_working",
			Help: "Number of judge sessions with an in-flight submission",
		},
	)
	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_packets_total",
			Help: "Total packets received by packet name",
		},
		[]string{"name"},
	)
	MalformedPacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_malformed_packets_total",
			Help: "Total malformed or unknown packets received",
		},
	)
	FramesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_frames_rejected_total",
			Help: "Total frames rejected by the transport",
		},
		[]string{"reason"},
	)
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_dispatches_total",
			Help: "Total submissions dispatched to judges",
		},
		[]string{"judge"},
	)
	QueuedSubmissions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_queued_submissions",
			Help: "Submissions waiting for an eligible judge",
		},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_published_total",
			Help: "Total events published by type",
		},
		[]string{"type"},
	)
	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_events_dropped_total",
			Help: "Intermediate events dropped by the per-submission rate limit",
		},
	)
	JudgeLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_judge_latency_seconds",
			Help:    "Judge ping round-trip latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"judge"},
	)
	GradingDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_grading_duration_seconds",
			Help:    "Wall time from dispatch to terminal packet",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"result"},
	)
)

// InitMetrics registers all bridge metrics with the default registry.
// Call once per process before serving /metrics.
func InitMetrics() {
	prometheus.MustRegister(
		JudgesOnline,
		JudgesWorking,
		PacketsTotal,
		MalformedPacketsTotal,
		FramesRejectedTotal,
		DispatchesTotal,
		QueuedSubmissions,
		EventsPublishedTotal,
		EventsDroppedTotal,
		JudgeLatencySeconds,
		GradingDurationSeconds,
	)
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func MetricsHandler() http.Handler { return promhttp.Handler() }
