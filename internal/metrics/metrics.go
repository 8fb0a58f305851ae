package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnelmon"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	tunnelStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "starts_total",
			Help:      "Number of successful cloudflared starts.",
		},
	)
	tunnelStartErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "start_errors_total",
			Help:      "Number of cloudflared spawn failures.",
		},
	)
	tunnelStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "stops_total",
			Help:      "Number of cloudflared stops by outcome (graceful, forced, already_dead, failed).",
		}, []string{"outcome"},
	)
	urlsDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "urls_discovered_total",
			Help:      "Number of public tunnel URLs extracted from cloudflared output.",
		},
	)
	disconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "internet",
			Name:      "disconnects_total",
			Help:      "Number of times connectivity was lost while the tunnel was running.",
		},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "failures_total",
			Help:      "Number of failed connectivity probes by reason.",
		}, []string{"reason"},
	)
	probeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "latency_seconds",
			Help:      "Round trip of successful connectivity probes.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	retryCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "retry_count",
			Help:      "Current consecutive failure count of the monitor loop.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "state_transitions_total",
			Help:      "Number of tunnel status transitions.",
		}, []string{"from", "to"},
	)
	currentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "current_status",
			Help:      "Current tunnel status (1 = active status, 0 = inactive).",
		}, []string{"status"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Number of notification attempts by transport and result.",
		}, []string{"transport", "result"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Number of events dropped because a consumer queue was full.",
		}, []string{"consumer"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		tunnelStarts, tunnelStartErrors, tunnelStops, urlsDiscovered, disconnects,
		probeFailures, probeLatency, retryCount, stateTransitions, currentStatus,
		notifications, droppedEvents,
		processCPUPercent, processMemoryBytes, processThreads,
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

// The helpers below no-op until Register has succeeded.

func IncTunnelStart() {
	if regOK.Load() {
		tunnelStarts.Inc()
	}
}

func IncTunnelStartError() {
	if regOK.Load() {
		tunnelStartErrors.Inc()
	}
}

func IncTunnelStop(outcome string) {
	if regOK.Load() {
		tunnelStops.WithLabelValues(outcome).Inc()
	}
}

func IncURLDiscovered() {
	if regOK.Load() {
		urlsDiscovered.Inc()
	}
}

func IncDisconnect() {
	if regOK.Load() {
		disconnects.Inc()
	}
}

func IncProbeFailure(reason string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(reason).Inc()
	}
}

func ObserveProbeLatency(seconds float64) {
	if regOK.Load() {
		probeLatency.Observe(seconds)
	}
}

func SetRetryCount(n int) {
	if regOK.Load() {
		retryCount.Set(float64(n))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentStatus(status string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStatus.WithLabelValues(status).Set(value)
	}
}

func IncNotification(transport, result string) {
	if regOK.Load() {
		notifications.WithLabelValues(transport, result).Inc()
	}
}

func IncDropped(consumer string) {
	if regOK.Load() {
		droppedEvents.WithLabelValues(consumer).Inc()
	}
}
