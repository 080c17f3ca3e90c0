package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscription metrics
	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runway_subscriptions_active",
			Help: "Number of live collection subscriptions",
		},
	)

	RecordSetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_record_sets_total",
			Help: "Total number of record sets emitted by collection",
		},
		[]string{"collection"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_decode_errors_total",
			Help: "Total number of records flagged with a decode error by collection",
		},
		[]string{"collection"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_store_errors_total",
			Help: "Total number of store errors delivered to subscribers by kind",
		},
		[]string{"kind"},
	)

	StoreUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runway_store_up",
			Help: "Whether the backing store answered the last ping (1 = up, 0 = down)",
		},
	)

	// Optimistic edit metrics
	EditsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runway_edits_pending",
			Help: "Number of optimistic edits awaiting reconciliation",
		},
	)

	EditsOverdue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runway_edits_overdue",
			Help: "Number of optimistic edits older than the edit timeout",
		},
	)

	EditRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runway_edit_rollbacks_total",
			Help: "Total number of optimistic edits rolled back after a gateway failure",
		},
	)

	// Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_gateway_requests_total",
			Help: "Total number of gateway requests by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runway_gateway_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// View metrics
	ViewComputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runway_view_compute_duration_seconds",
			Help:    "Time taken to derive a view in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(RecordSetsTotal)
	prometheus.MustRegister(DecodeErrorsTotal)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(StoreUp)
	prometheus.MustRegister(EditsPending)
	prometheus.MustRegister(EditsOverdue)
	prometheus.MustRegister(EditRollbacksTotal)
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayDuration)
	prometheus.MustRegister(ViewComputeDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
