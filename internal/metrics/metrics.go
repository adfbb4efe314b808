// Package metrics holds the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway's collectors. All fields are safe for
// concurrent use.
type Metrics struct {
	StreamsOpen        prometheus.Gauge
	EventsDelivered    prometheus.Counter
	EventsDropped      prometheus.Counter
	CommandsDispatched prometheus.Counter
	AuthFailures       prometheus.Counter
}

// New builds the collectors and registers them on reg. A nil reg skips
// registration, which tests use to avoid duplicate-collector panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftsync_streams_open",
			Help: "Number of currently open event streams.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_events_delivered_total",
			Help: "Events written to client streams.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_events_dropped_total",
			Help: "Events dropped due to stream queue overflow.",
		}),
		CommandsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_commands_dispatched_total",
			Help: "Commands accepted for processing.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_auth_failures_total",
			Help: "Requests rejected with an authentication failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StreamsOpen, m.EventsDelivered, m.EventsDropped, m.CommandsDispatched, m.AuthFailures)
	}
	return m
}
