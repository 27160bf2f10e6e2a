// Package metrics provides Prometheus metrics for the communicator runtime.
//
// Bootstrap coordinator:
//   - hccl_bootstrap_sessions: sessions by state
//   - hccl_bootstrap_messages_total: messages received by kind
//   - hccl_bootstrap_failures_total: aborted communicator constructions
//   - hccl_bootstrap_handshake_duration_seconds: first header to rendezvous release
//
// Ranks:
//   - hccl_api_calls_total: collective and point-to-point calls by operation and result
//   - hccl_api_blocked_calls: calls currently held by a fault-tolerance gate
//   - hccl_communicators: live communicators in the process
//
// Fault tolerance:
//   - hccl_ft_migrations_total: migrations by direction and result
//   - hccl_ft_migration_duration_seconds: stop to resume
//   - hccl_ft_stopped_communicators: communicators not in Idle
//   - hccl_port_state: port state as seen by the controller (1 up, 0 down)
//
// Coordinator process shutdown:
//   - hccl_shutdown_phase: active shutdown phase (1 active)
//   - hccl_shutdown_duration_seconds, hccl_shutdown_start_timestamp_seconds
//   - hccl_shutdown_constructing_sessions: sessions the drain still waits for
//   - hccl_shutdown_components_stopped_total, hccl_shutdown_errors_total
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BootstrapSessions tracks coordinator sessions by state
	BootstrapSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hccl_bootstrap_sessions",
			Help: "Bootstrap sessions by state",
		},
		[]string{"state"},
	)

	// BootstrapMessagesTotal counts messages received by the coordinator
	BootstrapMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hccl_bootstrap_messages_total",
			Help: "Bootstrap messages received by kind",
		},
		[]string{"kind"},
	)

	// BootstrapFailuresTotal counts aborted communicator constructions
	BootstrapFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hccl_bootstrap_failures_total",
			Help: "Communicator constructions aborted by the coordinator",
		},
	)

	// HandshakeDuration tracks the time from session creation to release
	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hccl_bootstrap_handshake_duration_seconds",
			Help:    "Time from the first rank header to the rendezvous release",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	// APICallsTotal counts API calls by operation and result
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hccl_api_calls_total",
			Help: "Collective and point-to-point API calls",
		},
		[]string{"op", "result"},
	)

	// APIBlockedCalls tracks calls waiting on a fault-tolerance gate
	APIBlockedCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hccl_api_blocked_calls",
			Help: "API calls currently blocked by a fault-tolerance gate",
		},
	)

	// Communicators tracks live communicators
	Communicators = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hccl_communicators",
			Help: "Live communicators in the process",
		},
	)

	// MigrationsTotal counts fault-tolerance runs
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hccl_ft_migrations_total",
			Help: "Queue pair migrations by direction and result",
		},
		[]string{"direction", "result"},
	)

	// MigrationDuration tracks the time from stop to resume
	MigrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hccl_ft_migration_duration_seconds",
			Help:    "Time from API stop to resume",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	// StoppedCommunicators tracks communicators outside Idle
	StoppedCommunicators = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hccl_ft_stopped_communicators",
			Help: "Communicators whose API is stopped by fault tolerance",
		},
	)

	// PortState tracks scale-out port state
	PortState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hccl_port_state",
			Help: "Scale-out port state (1 up, 0 down)",
		},
		[]string{"port"},
	)

	ShutdownPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hccl_shutdown_phase",
			Help: "Current shutdown phase (1 = active, 0 = inactive)",
		},
		[]string{"phase"},
	)

	ShutdownDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hccl_shutdown_duration_seconds",
			Help: "Duration of the last shutdown sequence",
		},
	)

	ShutdownStartTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hccl_shutdown_start_timestamp_seconds",
			Help: "Unix time the shutdown sequence started",
		},
	)

	ShutdownConstructingSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hccl_shutdown_constructing_sessions",
			Help: "Bootstrap sessions still under construction while draining",
		},
	)

	ShutdownComponentsStopped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hccl_shutdown_components_stopped_total",
			Help: "Components stopped by the shutdown sequence",
		},
	)

	ShutdownErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hccl_shutdown_errors_total",
			Help: "Errors recorded by the shutdown sequence",
		},
	)
)

// RecordBootstrapMessage counts one received message
func RecordBootstrapMessage(kind string) {
	BootstrapMessagesTotal.WithLabelValues(kind).Inc()
}

// RecordSessionTransition moves one session between state gauges. An empty
// from or to skips that side.
func RecordSessionTransition(from, to string) {
	if from != "" {
		BootstrapSessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		BootstrapSessions.WithLabelValues(to).Inc()
	}
}

// RecordBootstrapFailure counts one aborted construction
func RecordBootstrapFailure() {
	BootstrapFailuresTotal.Inc()
}

// RecordHandshake observes one completed bootstrap
func RecordHandshake(d time.Duration) {
	HandshakeDuration.Observe(d.Seconds())
}

// RecordAPICall counts one API call
func RecordAPICall(op, result string) {
	APICallsTotal.WithLabelValues(op, result).Inc()
}

// RecordMigration records the outcome of a fault-tolerance run
func RecordMigration(direction string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	MigrationsTotal.WithLabelValues(direction, result).Inc()
	if success {
		MigrationDuration.WithLabelValues(direction).Observe(d.Seconds())
	}
}

// SetPortState publishes the state of a port
func SetPortState(port uint32, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	PortState.WithLabelValues(strconv.FormatUint(uint64(port), 10)).Set(v)
}
