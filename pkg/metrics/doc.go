/*
Package metrics provides Prometheus metrics collection and exposition for the
core loop.

Metrics are registered at package init and exposed via an HTTP handler for
scraping. The catalog covers four areas: the raft core loop (leader status,
log index, peers), the Control API (request count and latency by command),
the scheduler (planning latency, objective value, unschedulable count), and
process/step/device execution (dispatch, completion, failure, duration,
deviations, device connectivity, occupancy).

# Usage

	import "github.com/cuemby/labord/pkg/metrics"

	metrics.ProcessesTotal.WithLabelValues("running").Set(3)
	metrics.StepsDispatched.Inc()

	timer := metrics.NewTimer()
	plan, err := scheduler.Plan(inst, now, budget, mode, previous)
	timer.ObserveDurationVec(metrics.SchedulingLatency, string(mode))

	http.Handle("/metrics", metrics.Handler())

Gauges that reflect aggregate state rather than point-in-time events
(per-status process counts, device occupancy, raft health) are refreshed on
a tick by a Collector rather than updated inline at every mutation site; see
collector.go.
*/
package metrics
