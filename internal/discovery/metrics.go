package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes discovery counters. Register on a custom Registerer in
// tests to avoid global registry collisions.
type Metrics struct {
	DevicesDiscovered *prometheus.CounterVec
	ProbeFailures     *prometheus.CounterVec
	MalformedMessages prometheus.Counter
	RoundsTotal       prometheus.Counter
}

// NewMetrics creates and registers the discovery metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DevicesDiscovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepinscan",
			Subsystem: "discovery",
			Name:      "devices_discovered_total",
			Help:      "Devices inserted into the registry, by protocol.",
		}, []string{"protocol"}),
		ProbeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepinscan",
			Subsystem: "discovery",
			Name:      "probe_failures_total",
			Help:      "Failed unicast probes, by probe kind.",
		}, []string{"kind"}),
		MalformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deepinscan",
			Subsystem: "discovery",
			Name:      "malformed_messages_total",
			Help:      "Inbound multicast datagrams dropped as unparsable.",
		}),
		RoundsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deepinscan",
			Subsystem: "discovery",
			Name:      "rounds_total",
			Help:      "Discovery rounds triggered, including the initial round.",
		}),
	}
}
