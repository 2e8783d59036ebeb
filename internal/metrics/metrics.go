// Package metrics holds the prometheus collectors for the realtime and REST
// surfaces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks currently connected websocket sessions.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Number of currently connected websocket sessions.",
	})

	// EventsInbound counts inbound realtime events by type.
	EventsInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "ws",
		Name:      "events_inbound_total",
		Help:      "Inbound realtime events processed, by event type.",
	}, []string{"type"})

	// EventErrors counts error acks sent back to clients by code.
	EventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "ws",
		Name:      "event_errors_total",
		Help:      "Error acknowledgments sent to clients, by error code.",
	}, []string{"code"})

	// BroadcastsTotal counts hub fan-out operations.
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "ws",
		Name:      "broadcasts_total",
		Help:      "Payload fan-outs performed by the hub.",
	})

	// StoreWriteSeconds observes durable store persistence latency.
	StoreWriteSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "huddle",
		Subsystem: "store",
		Name:      "write_seconds",
		Help:      "Latency of whole-document store writes.",
		Buckets:   prometheus.DefBuckets,
	})
)
