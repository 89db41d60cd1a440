package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft / core-loop metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labord_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labord_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labord_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labord_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labord_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labord_api_requests_total",
			Help: "Total number of Control API requests by command and status",
		},
		[]string{"command", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labord_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labord_scheduling_latency_seconds",
			Help:    "Time taken to produce a Plan, by mode (short/long)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SchedulingObjective = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labord_scheduling_objective",
			Help: "Weighted completion cost of the most recently accepted Plan",
		},
	)

	UnschedulableProcessesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labord_unschedulable_processes_total",
			Help: "Total number of processes the scheduler proved infeasible",
		},
	)

	// Process / step metrics
	ProcessesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labord_processes_total",
			Help: "Total number of processes by status",
		},
		[]string{"status"},
	)

	StepsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labord_steps_dispatched_total",
			Help: "Total number of steps submitted to a device adapter",
		},
	)

	StepsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labord_steps_completed_total",
			Help: "Total number of steps committed as ok",
		},
	)

	StepsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labord_steps_failed_total",
			Help: "Total number of steps that failed or timed out",
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labord_step_duration_seconds",
			Help:    "Observed execution duration of completed steps, by device kind",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"device_kind"},
	)

	DeviationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labord_deviations_total",
			Help: "Total number of steps that exceeded scheduled duration by more than the configured slack",
		},
	)

	// Device metrics
	DeviceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labord_device_healthy",
			Help: "Whether a device's connectivity check is currently passing (1 = healthy)",
		},
		[]string{"device"},
	)

	DeviceOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labord_device_occupancy",
			Help: "Current number of containers occupying a device",
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SchedulingObjective)
	prometheus.MustRegister(UnschedulableProcessesTotal)

	prometheus.MustRegister(ProcessesTotal)
	prometheus.MustRegister(StepsDispatched)
	prometheus.MustRegister(StepsCompleted)
	prometheus.MustRegister(StepsFailed)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(DeviationsTotal)

	prometheus.MustRegister(DeviceHealthy)
	prometheus.MustRegister(DeviceOccupancy)
}

// SetDeviceHealthy records a device's connectivity check result.
func SetDeviceHealthy(device string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	DeviceHealthy.WithLabelValues(device).Set(v)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
