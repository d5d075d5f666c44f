package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	instanceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "starts_total",
			Help:      "Number of successful instance launches.",
		}, []string{"name"},
	)
	instanceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "restarts_total",
			Help:      "Number of restarts by cause (crash, policy, manual).",
		}, []string{"name", "reason"},
	)
	instanceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "stops_total",
			Help:      "Number of requested stops (graceful or kill).",
		}, []string{"name"},
	)
	instanceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits and spawn failures.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between instance states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "current_state",
			Help:      "Current state of instances (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "running_instances",
			Help:      "Current running instances per app.",
		}, []string{"app"},
	)
	memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident set size.",
		}, []string{"name"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage percentage.",
		}, []string{"name"},
	)
	memoryLimitExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "memory_limit_exceeded_total",
			Help:      "Number of samples above max_memory_restart.",
		}, []string{"name"},
	)
	logDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "dropped_lines_total",
			Help:      "Log lines dropped because the queue was full.",
		}, []string{"name"},
	)
	logWriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "write_errors_total",
			Help:      "Failed writes to log sinks.",
		}, []string{"name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		instanceStarts, instanceRestarts, instanceStops, instanceCrashes,
		stateTransitions, currentStates, runningInstances,
		memoryBytes, cpuPercent, memoryLimitExceeded,
		logDropped, logWriteErrors,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		instanceStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		instanceRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		instanceStops.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		instanceCrashes.WithLabelValues(name).Inc()
	}
}

func SetRunningInstances(app string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(app).Set(float64(n))
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

// SetResourceUsage records the latest sample for an instance.
func SetResourceUsage(name string, rss uint64, cpu float64) {
	if regOK.Load() {
		memoryBytes.WithLabelValues(name).Set(float64(rss))
		cpuPercent.WithLabelValues(name).Set(cpu)
	}
}

// ForgetResourceUsage drops the gauges of an instance that is no longer running.
func ForgetResourceUsage(name string) {
	if regOK.Load() {
		memoryBytes.DeleteLabelValues(name)
		cpuPercent.DeleteLabelValues(name)
	}
}

func IncMemoryLimitExceeded(name string) {
	if regOK.Load() {
		memoryLimitExceeded.WithLabelValues(name).Inc()
	}
}

func AddLogDropped(name string, n int) {
	if regOK.Load() && n > 0 {
		logDropped.WithLabelValues(name).Add(float64(n))
	}
}

func IncLogWriteError(name string) {
	if regOK.Load() {
		logWriteErrors.WithLabelValues(name).Inc()
	}
}
