// Package metrics exposes the realtime hub's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the realtime collectors. It is separate from the default
	// registry so tests and embedders control what gets exported.
	Registry = prometheus.NewRegistry()

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "connections_active",
			Help:      "Connections currently registered with the hub.",
		},
	)

	channelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "channels_active",
			Help:      "Channels with at least one member.",
		},
	)

	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "disconnects_total",
			Help:      "Connections removed from the hub by reason.",
		},
		[]string{"reason"},
	)

	commandsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "commands_rejected_total",
			Help:      "Commands refused by the hub.",
		},
		[]string{"command", "code"},
	)

	eventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "events_published_total",
			Help:      "Events assigned a sequence number.",
		},
	)

	eventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "events_delivered_total",
			Help:      "Events placed on a connection's outbound queue.",
		},
	)

	fanout = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "fanout_recipients",
			Help:      "Recipients per published event.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "transport",
			Name:      "handshakes_total",
			Help:      "Websocket handshakes by outcome.",
		},
		[]string{"outcome"},
	)

	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "transport",
			Name:      "protocol_errors_total",
			Help:      "Malformed frames received from clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		connectionsActive,
		channelsActive,
		disconnects,
		commandsRejected,
		eventsPublished,
		eventsDelivered,
		fanout,
		handshakes,
		protocolErrors,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ConnectionOpened() {
	connectionsActive.Inc()
}

func ConnectionClosed(reason string) {
	connectionsActive.Dec()
	disconnects.WithLabelValues(reason).Inc()
}

func SetChannels(n int) {
	channelsActive.Set(float64(n))
}

func CommandRejected(command, code string) {
	commandsRejected.WithLabelValues(command, code).Inc()
}

// EventPublished records one event and the number of queues it reached.
func EventPublished(recipients int) {
	eventsPublished.Inc()
	eventsDelivered.Add(float64(recipients))
	fanout.Observe(float64(recipients))
}

func Handshake(outcome string) {
	handshakes.WithLabelValues(outcome).Inc()
}

func ProtocolError() {
	protocolErrors.Inc()
}
