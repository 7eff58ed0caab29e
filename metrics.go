package lexchat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks durable REST call latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexchat_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "outcome"},
	)

	// RequestsTotal counts REST calls by operation and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexchat_requests_total",
			Help: "Total REST requests",
		},
		[]string{"op", "outcome"},
	)

	// ConnectionState is 1 for the current connection state and 0 otherwise.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lexchat_connection_state",
			Help: "Current push connection state",
		},
		[]string{"state"},
	)

	// ReconnectAttempts counts dial attempts made by the reconnect policy.
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexchat_reconnect_attempts_total",
			Help: "Total push connection dial attempts",
		},
		[]string{"transport", "outcome"},
	)

	// EventsReceived counts inbound push events.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexchat_events_received_total",
			Help: "Total inbound push events",
		},
		[]string{"event"},
	)

	// Reconciliations counts duplicates and out-of-order events the store resolved.
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexchat_reconciliations_total",
			Help: "Total reconciled store events",
		},
		[]string{"kind"},
	)

	// FailedSends counts sends that entered the failed state.
	FailedSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lexchat_failed_sends_total",
			Help: "Total sends that failed their durable write",
		},
	)
)

func observeRequest(op, outcome string, d time.Duration) {
	RequestDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
	RequestsTotal.WithLabelValues(op, outcome).Inc()
}

func setConnectionState(s RealtimeState) {
	for _, st := range []RealtimeState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}
