// Package metrics provides Prometheus instrumentation for the presence
// service. It exposes counters for merge outcomes and upstream traffic,
// gauges for tracked state and connector health, and a histogram for
// upstream fetch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MergesTotal counts engine merges, labeled by kind ("user", "session")
	// and result ("created", "changed", "noop").
	MergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_merges_total",
		Help: "Total number of engine merges by outcome",
	}, []string{"kind", "result"})

	// TrackedAccounts is the number of accounts the engine holds a record for.
	TrackedAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_tracked_accounts",
		Help: "Number of accounts with a live user record",
	})

	// TrackedSessions is the number of sessions in the engine arena.
	TrackedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_tracked_sessions",
		Help: "Number of sessions known to the engine",
	})

	// ConnectorState is 1 for the current state of each connector and 0 for
	// the others.
	ConnectorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_connector_state",
		Help: "Upstream connector state (1 = current)",
	}, []string{"connector", "state"})

	// ReconnectsTotal counts reconnect attempts per connector.
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_connector_reconnects_total",
		Help: "Total number of upstream reconnect attempts",
	}, []string{"connector"})

	// DecodeErrorsTotal counts wire messages dropped because they could not
	// be decoded.
	DecodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_decode_errors_total",
		Help: "Total number of upstream messages dropped on decode failure",
	}, []string{"connector"})

	// FetchTotal counts coalesced session fetches, labeled by result
	// ("ok", "error").
	FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_fetch_total",
		Help: "Total number of coalesced upstream session fetches",
	}, []string{"connector", "result"})

	// FetchCoalescedTotal counts enqueue requests absorbed by an id already
	// pending in the fetch queue.
	FetchCoalescedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_fetch_coalesced_total",
		Help: "Total number of fetch requests coalesced into a pending one",
	}, []string{"connector"})

	// FetchQueueDepth is the number of session ids waiting in a connector's
	// fetch queue.
	FetchQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_fetch_queue_depth",
		Help: "Session ids waiting in the coalesced fetch queue",
	}, []string{"connector"})

	// FetchLatency records upstream session fetch latency in seconds.
	FetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_fetch_latency_seconds",
		Help:    "Upstream session fetch latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// UIConnections tracks the current number of UI relay connections.
	UIConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_ui_connections",
		Help: "Current number of UI relay WebSocket connections",
	})

	// SinkDroppedTotal counts relay events dropped because a sink's buffer
	// was full.
	SinkDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sink_dropped_total",
		Help: "Total number of relay events dropped on a full sink buffer",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(
		MergesTotal,
		TrackedAccounts,
		TrackedSessions,
		ConnectorState,
		ReconnectsTotal,
		DecodeErrorsTotal,
		FetchTotal,
		FetchCoalescedTotal,
		FetchQueueDepth,
		FetchLatency,
		UIConnections,
		SinkDroppedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
