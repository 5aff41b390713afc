// Package metrics holds the Prometheus collectors for the turn pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Metrics groups every collector the pipeline records to.
type Metrics struct {
	registry *prometheus.Registry

	eventsReceived    prometheus.Counter
	batches           prometheus.Counter
	turnCancellations prometheus.Counter
	batchMerges       *prometheus.CounterVec

	directives         *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec

	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	turnDepth    prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry, along
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound events submitted to the aggregator.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches handed to the turn handler.",
		}),
		turnCancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_cancellations_total",
			Help:      "In-flight turns cancelled by newer input.",
		}),
		batchMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_merges_total",
			Help:      "Cancelled batches either merged into the next batch or dropped.",
		}, []string{"policy"}),
		directives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_total",
			Help:      "Directives executed, by capability and status.",
		}, []string{"capability", "status"}),
		capabilityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_duration_seconds",
			Help:      "Capability invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a turn including continuations.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		turnDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_depth",
			Help:      "Continuation depth reached per turn.",
			Buckets:   prometheus.LinearBuckets(0, 1, 8),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsReceived,
		m.batches,
		m.turnCancellations,
		m.batchMerges,
		m.directives,
		m.capabilityDuration,
		m.turns,
		m.turnDuration,
		m.turnDepth,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventReceived() {
	if m != nil {
		m.eventsReceived.Inc()
	}
}

func (m *Metrics) BatchDispatched() {
	if m != nil {
		m.batches.Inc()
	}
}

func (m *Metrics) TurnCancelled() {
	if m != nil {
		m.turnCancellations.Inc()
	}
}

// BatchMerged records what happened to a cancelled batch: merged back into
// the queue, or dropped because it already caused an irreversible effect.
func (m *Metrics) BatchMerged(merged bool) {
	if m == nil {
		return
	}
	policy := "dropped"
	if merged {
		policy = "merged"
	}
	m.batchMerges.WithLabelValues(policy).Inc()
}

// DirectiveExecuted records one capability invocation.
func (m *Metrics) DirectiveExecuted(capability string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "error"
	if ok {
		status = "ok"
	}
	m.directives.WithLabelValues(capability, status).Inc()
	m.capabilityDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// TurnFinished records a turn outcome: "ok", "truncated", "error" or
// "cancelled".
func (m *Metrics) TurnFinished(outcome string, depth int, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
	m.turnDepth.Observe(float64(depth))
}
