package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register. Helpers no-op
// until Register has been called so library embedders keep metrics optional.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service", "strategy"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops, graceful or forced.",
		}, []string{"service", "forced"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of watchdog-driven restarts.",
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state machine transitions.",
		}, []string{"service", "from", "to"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "watchdog",
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency per service.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "healthy"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "watchdog",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service (0=closed, 1=open, 2=half_open).",
		}, []string{"service"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "registry",
			Name:      "running_services",
			Help:      "Current number of live registry entries in running state.",
		},
	)
	ipcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "IPC commands processed by the supervisor.",
		}, []string{"action", "status"},
	)
)

// Register registers all collectors with r. Safe to call multiple times.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceRestarts, stateTransitions,
		probeDuration, breakerState, runningServices, ipcRequests,
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

// Handler serves Prometheus metrics for the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(service, strategy string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service, strategy).Inc()
	}
}

func IncStop(service string, forced bool) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service, boolLabel(forced)).Inc()
	}
}

func IncRestart(service string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service).Inc()
	}
}

func RecordTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func ObserveProbe(service string, healthy bool, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(service, boolLabel(healthy)).Observe(seconds)
	}
}

func SetBreakerState(service string, state float64) {
	if regOK.Load() {
		breakerState.WithLabelValues(service).Set(state)
	}
}

func SetRunningServices(n int) {
	if regOK.Load() {
		runningServices.Set(float64(n))
	}
}

func IncIPCRequest(action, status string) {
	if regOK.Load() {
		ipcRequests.WithLabelValues(action, status).Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
