// Package metrics provides Prometheus metrics for the capture pipeline.
// Labels are limited to channel names and fixed outcome strings.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsWritten counts records accepted by a channel sink.
	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsecapture_records_written_total",
		Help: "Total number of records written to channel sinks, by channel.",
	}, []string{"channel"})

	// RecordsDropped counts records dropped after a storage error.
	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsecapture_records_dropped_total",
		Help: "Total number of records dropped because of storage errors, by channel.",
	}, []string{"channel"})

	// FlushErrors counts failed flush/close attempts during session teardown.
	FlushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsecapture_flush_errors_total",
		Help: "Total number of failed sink flushes during teardown, by channel.",
	}, []string{"channel"})

	// ConnectAttempts counts sensor dial attempts by result (ok, transient, fatal, cancelled).
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsecapture_connect_attempts_total",
		Help: "Total number of sensor connection attempts, by result.",
	}, []string{"result"})

	// SessionsStarted counts capture sessions that reached streaming.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsecapture_sessions_started_total",
		Help: "Total number of capture sessions started.",
	})

	// ConnectionState is 1 for the current controller state and 0 for the others.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsecapture_connection_state",
		Help: "Current connection state of the capture controller (1 = active state).",
	}, []string{"state"})
)

// SetConnectionState marks state as the only active state
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		if s == state {
			ConnectionState.WithLabelValues(s).Set(1)
		} else {
			ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// HTTPRequestDuration observes API latency by route pattern and status code.
var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "pulsecapture_http_request_duration_seconds",
	Help:    "HTTP request latencies in seconds, by method, route and status.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})
