package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskstream_connection_state",
		Help: "1 for the phase the stream connection is currently in, 0 otherwise",
	}, []string{"phase"})

	reconnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskstream_reconnect_total",
		Help: "Reconnect attempts grouped by outcome",
	}, []string{"outcome"})

	reconnectDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskstream_reconnect_delay_seconds",
		Help:    "Backoff delay armed before each reconnect attempt",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
	})

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskstream_frames_received_total",
		Help: "Inbound frames grouped by event type",
	}, []string{"type"})

	parseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskstream_parse_failures_total",
		Help: "Inbound frames dropped because they could not be decoded",
	})

	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskstream_dispatch_total",
		Help: "Dispatched envelopes grouped by type and whether any subscriber received them",
	}, []string{"type", "delivered"})

	subscriberPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskstream_subscriber_panics_total",
		Help: "Subscriber callbacks that panicked during dispatch",
	}, []string{"type"})

	reducerTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskstream_cache_reducer_total",
		Help: "Cache reducer outcomes grouped by event kind",
	}, []string{"kind", "outcome"})

	snapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskstream_snapshot_duration_seconds",
		Help:    "Duration of cache snapshot save/load operations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op", "status"})
)

var phases = []string{"disconnected", "connecting", "connected", "reconnecting"}

// SetConnectionPhase flips the connection state gauge to phase.
func SetConnectionPhase(phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		connectionState.WithLabelValues(p).Set(v)
	}
}

// ObserveReconnectScheduled records the delay armed before an attempt.
func ObserveReconnectScheduled(delay time.Duration) {
	reconnectDelay.Observe(delay.Seconds())
}

// ObserveReconnect records the outcome of a reconnect attempt
// (success, failure or exhausted).
func ObserveReconnect(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	reconnectTotal.WithLabelValues(outcome).Inc()
}

// ObserveFrame counts an inbound frame.
func ObserveFrame(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	framesReceived.WithLabelValues(eventType).Inc()
}

// ObserveParseFailure counts a dropped frame.
func ObserveParseFailure() {
	parseFailures.Inc()
}

// ObserveDispatch records a dispatch and whether it reached any subscriber.
func ObserveDispatch(eventType string, delivered int) {
	label := "false"
	if delivered > 0 {
		label = "true"
	}
	dispatchTotal.WithLabelValues(eventType, label).Inc()
}

// ObserveSubscriberPanic counts a recovered subscriber panic.
func ObserveSubscriberPanic(eventType string) {
	subscriberPanics.WithLabelValues(eventType).Inc()
}

// ObserveReducer records whether a reducer changed the cache.
func ObserveReducer(kind string, applied bool) {
	outcome := "ignored"
	if applied {
		outcome = "applied"
	}
	reducerTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSnapshot records a snapshot save or load.
func ObserveSnapshot(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	snapshotDuration.WithLabelValues(op, status).Observe(duration.Seconds())
}
