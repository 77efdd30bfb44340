package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cmdloop",
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Number of job runs by outcome (ok, failed, timeout, error).",
		}, []string{"outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cmdloop",
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of job runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"},
	)
	logWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cmdloop",
			Subsystem: "executor",
			Name:      "log_write_failures_total",
			Help:      "Run records that could not be appended to their output area.",
		},
	)
	cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cmdloop",
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Completed sweeps over the registry.",
		},
	)
	registeredJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cmdloop",
			Subsystem: "registry",
			Name:      "jobs",
			Help:      "Number of registered commands.",
		},
	)
	intervalSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cmdloop",
			Subsystem: "registry",
			Name:      "interval_seconds",
			Help:      "Current pause between sweeps.",
		},
	)
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cmdloop",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Control requests by action and response status.",
		}, []string{"action", "status"},
	)
	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cmdloop",
			Subsystem: "server",
			Name:      "protocol_errors_total",
			Help:      "Connections closed because a frame could not be decoded.",
		},
	)
	activeConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cmdloop",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Control connections currently being served.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		runsTotal, runDuration, logWriteFailures, cycles,
		registeredJobs, intervalSeconds, requestsTotal, protocolErrors, activeConns,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

func ObserveRun(outcome string, seconds float64) {
	if regOK.Load() {
		runsTotal.WithLabelValues(outcome).Inc()
		runDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func IncLogWriteFailure() {
	if regOK.Load() {
		logWriteFailures.Inc()
	}
}

func IncCycle() {
	if regOK.Load() {
		cycles.Inc()
	}
}

func SetRegisteredJobs(n int) {
	if regOK.Load() {
		registeredJobs.Set(float64(n))
	}
}

func SetInterval(seconds int) {
	if regOK.Load() {
		intervalSeconds.Set(float64(seconds))
	}
}

func IncRequest(action, status string) {
	if regOK.Load() {
		requestsTotal.WithLabelValues(action, status).Inc()
	}
}

func IncProtocolError() {
	if regOK.Load() {
		protocolErrors.Inc()
	}
}

func AddActiveConns(delta int) {
	if regOK.Load() {
		activeConns.Add(float64(delta))
	}
}
