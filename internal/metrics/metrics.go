package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the pricer services.
type Metrics struct {
	// Dispatch
	JobsPublished  prometheus.Counter
	PublishErrors  prometheus.Counter
	RefreshPlanned *prometheus.CounterVec // labels: kind=full|incremental|covered

	// Bus boundary
	MessagesRejected  prometheus.Counter
	MessagesSkipped   prometheus.Counter
	MessagesReclaimed prometheus.Counter
	QueueDepth        prometheus.Gauge

	// Worker
	JobsProcessed  *prometheus.CounterVec // labels: outcome
	FetchDur       prometheus.Histogram
	FetchErrors    prometheus.Counter
	StoreWriteDur  prometheus.Histogram
	SamplesWritten prometheus.Counter
	MalformedRows  prometheus.Counter

	// Store circuit breaker
	StoreCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	StoreCircuitBreakerTrips prometheus.Counter

	// API
	APIRequests  *prometheus.CounterVec // labels: route, code
	EventClients prometheus.Gauge
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_jobs_published_total",
			Help: "Fetch jobs published to the bus",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_publish_errors_total",
			Help: "Fetch jobs that could not be published",
		}),
		RefreshPlanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricer_refresh_planned_total",
			Help: "Refresh decisions by kind (full, incremental, covered)",
		}, []string{"kind"}),

		MessagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_bus_rejected_total",
			Help: "Malformed bus messages dropped at the boundary",
		}),
		MessagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_bus_skipped_total",
			Help: "Bus messages skipped because they were already acked",
		}),
		MessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_bus_reclaimed_total",
			Help: "Stream entries reclaimed from dead consumers via XCLAIM",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricer_worker_queue_depth",
			Help: "Deliveries waiting for a free worker",
		}),

		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricer_jobs_processed_total",
			Help: "Fetch jobs processed by outcome",
		}, []string{"outcome"}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricer_fetch_duration_seconds",
			Help:    "Month fetch latency including session acquisition",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_fetch_errors_total",
			Help: "Month fetches that returned an error",
		}),
		StoreWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricer_store_write_duration_seconds",
			Help:    "Merge and persist latency per job, retries included",
			Buckets: prometheus.DefBuckets,
		}),
		SamplesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_samples_written_total",
			Help: "New or corrected samples appended to the store",
		}),
		MalformedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_malformed_rows_total",
			Help: "Source rows skipped because they could not be parsed",
		}),

		StoreCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricer_store_circuit_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		StoreCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricer_store_circuit_breaker_trips_total",
			Help: "Times the store circuit breaker tripped open",
		}),

		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricer_api_requests_total",
			Help: "HTTP API requests by route and status code",
		}, []string{"route", "code"}),
		EventClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricer_event_clients",
			Help: "Connected websocket event clients",
		}),
	}

	reg.MustRegister(
		m.JobsPublished,
		m.PublishErrors,
		m.RefreshPlanned,
		m.MessagesRejected,
		m.MessagesSkipped,
		m.MessagesReclaimed,
		m.QueueDepth,
		m.JobsProcessed,
		m.FetchDur,
		m.FetchErrors,
		m.StoreWriteDur,
		m.SamplesWritten,
		m.MalformedRows,
		m.StoreCircuitBreakerState,
		m.StoreCircuitBreakerTrips,
		m.APIRequests,
		m.EventClients,
	)

	return m
}
