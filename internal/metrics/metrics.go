package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "pool",
			Name:      "spawns_total",
			Help:      "Number of workers created by the spawn manager.",
		}, []string{"pool"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "pool",
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn round trips.",
		}, []string{"pool"},
	)
	evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Number of destroyed worker records by reason.",
		}, []string{"pool", "reason"},
	)
	acquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prefork",
			Subsystem: "pool",
			Name:      "acquire_duration_seconds",
			Help:      "Time spent in acquire, including spawning when the idle set is empty.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"pool"},
	)
	idleWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "prefork",
			Subsystem: "pool",
			Name:      "idle_workers",
			Help:      "Current size of the idle set.",
		}, []string{"pool"},
	)
	busyWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "prefork",
			Subsystem: "dispatch",
			Name:      "busy_workers",
			Help:      "Current size of the busy set of a dispatch loop.",
		}, []string{"pool"},
	)
	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "dispatch",
			Name:      "rejections_total",
			Help:      "Dispatch calls refused because the busy set was at capacity.",
		}, []string{"pool"},
	)
	tokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "dispatch",
			Name:      "status_tokens_total",
			Help:      "Status tokens received from workers.",
		}, []string{"pool", "token"},
	)
	pods = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "dispatch",
			Name:      "pod_tokens_total",
			Help:      "Exit tokens written to the pod pipe to shed idle workers.",
		}, []string{"pool"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, spawnFailures, evictions, acquireDuration, idleWorkers, busyWorkers, rejections, tokens, pods}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(pool string) {
	if regOK.Load() {
		spawns.WithLabelValues(pool).Inc()
	}
}

func IncSpawnFailure(pool string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(pool).Inc()
	}
}

func IncEviction(pool, reason string) {
	if regOK.Load() {
		evictions.WithLabelValues(pool, reason).Inc()
	}
}

func ObserveAcquire(pool string, seconds float64) {
	if regOK.Load() {
		acquireDuration.WithLabelValues(pool).Observe(seconds)
	}
}

func SetIdle(pool string, n int) {
	if regOK.Load() {
		idleWorkers.WithLabelValues(pool).Set(float64(n))
	}
}

func SetBusy(pool string, n int) {
	if regOK.Load() {
		busyWorkers.WithLabelValues(pool).Set(float64(n))
	}
}

func IncRejection(pool string) {
	if regOK.Load() {
		rejections.WithLabelValues(pool).Inc()
	}
}

func IncToken(pool, token string) {
	if regOK.Load() {
		tokens.WithLabelValues(pool, token).Inc()
	}
}

func IncPod(pool string) {
	if regOK.Load() {
		pods.WithLabelValues(pool).Inc()
	}
}
