package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	detectionsTotal  *prometheus.CounterVec
	incidentsTotal   *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	stageLatency     *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	liveFingerprints prometheus.Gauge
	breakerOpen      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		detectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_detections_total",
				Help: "Detections handled by the engine",
			},
			[]string{"status"},
		),
		incidentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_incidents_total",
				Help: "Incidents by final outcome",
			},
			[]string{"outcome"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_transitions_total",
				Help: "Lifecycle transitions applied",
			},
			[]string{"to"},
		),
		stageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_stage_latency_seconds",
				Help:    "Pipeline stage latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_errors_total",
				Help: "Errors by type",
			},
			[]string{"error_type"},
		),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_dispatch_total",
				Help: "Notification deliveries by channel and status",
			},
			[]string{"channel", "status"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Detections waiting in the ingestion queue",
		}),
		liveFingerprints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_live_fingerprints",
			Help: "Fingerprints currently held by the dedup index",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_analysis_breaker_open",
			Help: "1 when the analysis circuit breaker is open",
		}),
	}

	reg.MustRegister(
		m.detectionsTotal, m.incidentsTotal, m.transitionsTotal,
		m.stageLatency, m.errorsTotal, m.dispatchTotal,
		m.queueDepth, m.liveFingerprints, m.breakerOpen,
	)
	return m
}
