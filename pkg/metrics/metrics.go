package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Interchange state
	InterchangeState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "funcx_interchange_state",
			Help: "Current interchange state, as an enum index (see state.go for ordering)",
		},
	)

	// Broker (C1)
	TasksConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funcx_tasks_consumed_total",
			Help: "Total number of task deliveries consumed from the broker",
		},
	)

	ResultsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funcx_results_published_total",
			Help: "Total number of results confirmed published to the broker",
		},
	)

	BrokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funcx_broker_reconnects_total",
			Help: "Total number of times the broker client entered the reconnecting state",
		},
	)

	BrokerPublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funcx_broker_publish_failures_total",
			Help: "Total number of publish attempts that failed or went unconfirmed",
		},
	)

	// Spool (C2)
	SpoolDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "funcx_spool_depth",
			Help: "Number of result entries currently persisted in unacked_results/",
		},
	)

	SpoolWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funcx_spool_writes_total",
			Help: "Total number of results durably written to the spool",
		},
	)

	// Executor (C3)
	TasksOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "funcx_tasks_outstanding",
			Help: "Number of tasks submitted to the executor with no result yet",
		},
	)

	WorkerFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funcx_worker_failures_total",
			Help: "Total number of results carrying a WorkerFailed kind",
		},
	)

	// Scaling (C4)
	BlocksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "funcx_blocks_active",
			Help: "Current number of allocated worker blocks",
		},
	)

	ScalingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funcx_scaling_decisions_total",
			Help: "Total scale_out/scale_in decisions issued by the strategy",
		},
		[]string{"direction"},
	)

	// Registration (C6)
	RegistrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funcx_registration_duration_seconds",
			Help:    "Time taken for the registration handshake to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	RegistrationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funcx_registration_retries_total",
			Help: "Total number of registration attempts that failed transiently (network error or 5xx)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InterchangeState,
		TasksConsumedTotal,
		ResultsPublishedTotal,
		BrokerReconnectsTotal,
		BrokerPublishFailuresTotal,
		SpoolDepth,
		SpoolWritesTotal,
		TasksOutstanding,
		WorkerFailuresTotal,
		BlocksActive,
		ScalingDecisionsTotal,
		RegistrationDuration,
		RegistrationRetriesTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
