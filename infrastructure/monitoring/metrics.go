// Package monitoring provides Prometheus collectors for sandboxes.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invocation and syscall outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
	OutcomeCanceled  = "canceled"
)

// Metrics holds the sandbox collectors. A nil *Metrics is valid and
// records nothing, so sandboxes built without metrics pay no cost.
type Metrics struct {
	Invocations         *prometheus.CounterVec
	InvocationDuration  *prometheus.HistogramVec
	InflightInvocations prometheus.Gauge
	Syscalls            *prometheus.CounterVec
	SyscallDuration     *prometheus.HistogramVec
	LogEntries          *prometheus.CounterVec
	ProtocolViolations  *prometheus.CounterVec
	SandboxesActive     prometheus.Gauge
	WorkerExits         prometheus.Counter
}

// NewMetrics registers the collectors with reg. Use a fresh
// prometheus.NewRegistry() per test to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugos_invocations_total",
				Help: "Plugin function invocations by outcome",
			},
			[]string{"function", "outcome"},
		),
		InvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugos_invocation_duration_seconds",
				Help:    "Time from sending inv to receiving invr",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"function"},
		),
		InflightInvocations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugos_invocations_inflight",
				Help: "Invocations waiting for a response",
			},
		),
		Syscalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugos_syscalls_total",
				Help: "Syscalls served by outcome",
			},
			[]string{"syscall", "outcome"},
		),
		SyscallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugos_syscall_duration_seconds",
				Help:    "Syscall handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"syscall"},
		),
		LogEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugos_log_entries_total",
				Help: "Plugin log messages received by level",
			},
			[]string{"level"},
		),
		ProtocolViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugos_protocol_violations_total",
				Help: "Messages that broke the protocol, by reason",
			},
			[]string{"reason"},
		),
		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugos_sandboxes_active",
				Help: "Sandboxes not yet stopped",
			},
		),
		WorkerExits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "plugos_worker_exits_total",
				Help: "Isolated contexts that ended without Stop",
			},
		),
	}
}

// InvocationStarted records an inv being sent.
func (m *Metrics) InvocationStarted() {
	if m == nil {
		return
	}
	m.InflightInvocations.Inc()
}

// InvocationFinished records the end of an invocation.
func (m *Metrics) InvocationFinished(function, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InflightInvocations.Dec()
	m.Invocations.WithLabelValues(function, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeError {
		m.InvocationDuration.WithLabelValues(function).Observe(elapsed.Seconds())
	}
}

// Syscall records a served syscall.
func (m *Metrics) Syscall(name, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Syscalls.WithLabelValues(name, outcome).Inc()
	m.SyscallDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// LogEntry records a plugin log message.
func (m *Metrics) LogEntry(level string) {
	if m == nil {
		return
	}
	m.LogEntries.WithLabelValues(level).Inc()
}

// ProtocolViolation records a protocol violation.
func (m *Metrics) ProtocolViolation(reason string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(reason).Inc()
}

// SandboxStarted records a new sandbox.
func (m *Metrics) SandboxStarted() {
	if m == nil {
		return
	}
	m.SandboxesActive.Inc()
}

// SandboxStopped records a sandbox reaching the stopped state.
// crashed is true when the context ended on its own.
func (m *Metrics) SandboxStopped(crashed bool) {
	if m == nil {
		return
	}
	m.SandboxesActive.Dec()
	if crashed {
		m.WorkerExits.Inc()
	}
}
