// Package metrics exposes the prometheus collectors the driver, pool,
// and supervisor packages update. Metrics are purely observational: no
// component reads them to make scheduling decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "browsedriver"

var (
	// CommandsSent counts JSON-RPC commands written to any DevTools
	// websocket across all Drivers.
	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_sent_total",
		Help:      "Total DevTools commands sent to chrome.",
	})

	// EventsReceived counts DevTools messages (events and replies) read
	// off any websocket across all Drivers.
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Total DevTools messages received from chrome.",
	})

	// SupervisorStarts counts successful chrome subprocess starts.
	SupervisorStarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_starts_total",
		Help:      "Total successful chrome subprocess starts.",
	})

	// SupervisorStartFailures counts chrome subprocess starts that hit
	// the startup timeout or failed to spawn.
	SupervisorStartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_start_failures_total",
		Help:      "Total chrome subprocess start failures.",
	})

	// SupervisorStops counts chrome subprocess shutdowns (graceful or
	// forced).
	SupervisorStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_stops_total",
		Help:      "Total chrome subprocess shutdowns.",
	})

	// PoolAvailable is the current count of available (not in-use)
	// Drivers in the pool.
	PoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_available",
		Help:      "Current number of available drivers in the pool.",
	})

	// PoolInUse is the current count of in-use Drivers in the pool.
	PoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_in_use",
		Help:      "Current number of in-use drivers in the pool.",
	})

	// PoolAcquires counts successful Pool.Acquire calls.
	PoolAcquires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_acquires_total",
		Help:      "Total successful pool acquires.",
	})

	// PoolReleases counts Pool.Release calls that moved a driver back
	// to available.
	PoolReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_releases_total",
		Help:      "Total pool releases.",
	})
)
