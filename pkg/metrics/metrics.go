// Package metrics defines the prometheus instrumentation surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MissionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groundctl",
		Subsystem: "missions",
		Name:      "started_total",
		Help:      "Missions moved out of DRAFT.",
	})

	MissionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groundctl",
		Subsystem: "missions",
		Name:      "finished_total",
		Help:      "Missions reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	ProcessesSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groundctl",
		Subsystem: "processes",
		Name:      "spawned_total",
		Help:      "Supervised processes spawned, by type.",
	}, []string{"type"})

	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groundctl",
		Subsystem: "events",
		Name:      "broadcast_total",
		Help:      "Output and status events fanned out to subscribers.",
	})

	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groundctl",
		Subsystem: "events",
		Name:      "subscribers_dropped_total",
		Help:      "Slow subscribers disconnected by the broadcaster.",
	})

	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "groundctl",
		Subsystem: "events",
		Name:      "live_subscribers",
		Help:      "Currently connected log stream subscribers.",
	})
)

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
