/*
Package metrics provides Prometheus metrics and the component health
registry for runway.

# Metrics

Subscriptions and record sets:

	runway_subscriptions_active          gauge    live collection subscriptions
	runway_record_sets_total{collection} counter  record sets emitted
	runway_decode_errors_total{collection} counter records flagged undecodable
	runway_store_errors_total{kind}      counter  store errors delivered
	runway_store_up                      gauge    1 when the last store ping succeeded

Optimistic edits:

	runway_edits_pending                 gauge    edits awaiting reconciliation
	runway_edits_overdue                 gauge    edits older than the edit timeout
	runway_edit_rollbacks_total          counter  edits rolled back after a failed mutation

Gateway and views:

	runway_gateway_requests_total{op,outcome}  counter
	runway_gateway_duration_seconds{op}        histogram
	runway_view_compute_duration_seconds       histogram

All metrics register with the default Prometheus registry at init and are
served by Handler.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayDuration, "create")

# Health

Components report themselves with RegisterComponent and UpdateComponent.
The store and api components are critical: GetHealth turns unhealthy when
either of them is down, and GetReadiness requires both to be registered
and healthy. Other components only degrade health.

The Collector pings the backing store on an interval and keeps both the
store component and runway_store_up current:

	c := metrics.NewCollector(store, 15*time.Second)
	c.Start()
	defer c.Stop()
*/
package metrics
