// Package metrics exposes Prometheus collectors for the evaluation pipeline.
// A nil *Metrics is valid and records nothing, so components can be built without it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "flare"

// Metrics groups every collector the service publishes.
type Metrics struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	dispatches         *prometheus.CounterVec
	webhookDuration    prometheus.Histogram
	fetchFailures      *prometheus.CounterVec
	anchorCache        *prometheus.CounterVec
	tasksEnqueued      prometheus.Counter
	tasksProcessed     *prometheus.CounterVec
}

// New builds a dedicated registry with process and Go runtime collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Signal evaluations by outcome.",
		}, []string{"outcome"}),
		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time spent evaluating one signal.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_decisions_total",
			Help:      "Cooldown gate decisions by outcome.",
		}, []string{"outcome"}),
		webhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook delivery latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datasource_failures_total",
			Help:      "Data source fetches that degraded to zero.",
		}, []string{"kind"}),
		anchorCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_anchor_lookups_total",
			Help:      "Block anchor cache lookups by result.",
		}, []string{"result"}),
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Evaluation tasks handed to the queue.",
		}),
		tasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Evaluation tasks completed by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations,
		m.evaluationDuration,
		m.dispatches,
		m.webhookDuration,
		m.fetchFailures,
		m.anchorCache,
		m.tasksEnqueued,
		m.tasksProcessed,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveEvaluation records one finished evaluation.
func (m *Metrics) ObserveEvaluation(triggered bool, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "idle"
	switch {
	case err != nil:
		outcome = "error"
	case triggered:
		outcome = "triggered"
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	m.evaluationDuration.Observe(elapsed.Seconds())
}

// ObserveDispatch records a cooldown gate decision.
func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// ObserveWebhook records webhook latency.
func (m *Metrics) ObserveWebhook(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookDuration.Observe(elapsed.Seconds())
}

// FetchFailed counts a data source call that fell back to zero.
func (m *Metrics) FetchFailed(kind string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(kind).Inc()
}

// AnchorLookup counts a block anchor cache hit or miss.
func (m *Metrics) AnchorLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.anchorCache.WithLabelValues(result).Inc()
}

// TasksEnqueued adds n to the enqueued counter.
func (m *Metrics) TasksEnqueued(n int) {
	if m == nil {
		return
	}
	m.tasksEnqueued.Add(float64(n))
}

// TaskProcessed counts a task by final status (ok, failed).
func (m *Metrics) TaskProcessed(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.tasksProcessed.WithLabelValues(status).Inc()
}
