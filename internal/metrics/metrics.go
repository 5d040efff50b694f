// Package metrics exposes Prometheus collectors for the consensus engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlas-desktop/signal-consensus/internal/events"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

const namespace = "consensus"

// Metrics owns a private registry so that several engines can coexist in one
// process, for example in tests.
type Metrics struct {
	registry *prometheus.Registry

	Recommendations  *prometheus.CounterVec
	Confidence       prometheus.Histogram
	Outcomes         *prometheus.CounterVec
	BotWeight        *prometheus.GaugeVec
	WeightsVersion   prometheus.Gauge
	Jobs             *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	PoolTasks        *prometheus.CounterVec
	PoolTaskDuration *prometheus.HistogramVec
	ProducerFailures *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Aggregated recommendations produced, by direction.",
		}, []string{"direction"}),
		Confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recommendation_confidence",
			Help:      "Final confidence of directional recommendations.",
			Buckets:   prometheus.LinearBuckets(6, 0.5, 9),
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_outcomes_total",
			Help:      "Predictions resolved by the outcome tracker, by status.",
		}, []string{"status"}),
		BotWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bot_weight",
			Help:      "Current trust weight per bot.",
		}, []string{"bot"}),
		WeightsVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weights_version",
			Help:      "Version of the published weight table.",
		}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Batch job items processed, by job and result.",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of batch jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		PoolTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_tasks_total",
			Help:      "Worker pool tasks, by pool and result.",
		}, []string{"pool", "result"}),
		PoolTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_task_duration_seconds",
			Help:      "Worker pool task latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),
		ProducerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "producer_failures_total",
			Help:      "Signal producer calls that failed, by bot.",
		}, []string{"bot"}),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Recommendations,
		m.Confidence,
		m.Outcomes,
		m.BotWeight,
		m.WeightsVersion,
		m.Jobs,
		m.JobDuration,
		m.PoolTasks,
		m.PoolTaskDuration,
		m.ProducerFailures,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePoolTask matches the worker pool's OnTaskDone hook.
func (m *Metrics) ObservePoolTask(pool string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PoolTasks.WithLabelValues(pool, result).Inc()
	m.PoolTaskDuration.WithLabelValues(pool).Observe(elapsed.Seconds())
}

// ObserveWeights sets the per-bot weight gauges from a table.
func (m *Metrics) ObserveWeights(table *types.WeightTable) {
	m.WeightsVersion.Set(float64(table.Version()))
	for bot, w := range table.Weights() {
		m.BotWeight.WithLabelValues(bot).Set(w)
	}
}

// Attach subscribes the collectors to engine events.
func (m *Metrics) Attach(bus *events.EventBus) {
	bus.SubscribeAll(m.Handle)
}

// Handle updates collectors from one event.
func (m *Metrics) Handle(event events.Event) error {
	switch e := event.(type) {
	case *events.RecommendationEvent:
		m.Recommendations.WithLabelValues(string(e.Recommendation.Direction)).Inc()
		if e.Recommendation.Direction.IsDirectional() {
			m.Confidence.Observe(e.Recommendation.AvgConfidence)
		}
	case *events.OutcomeEvent:
		m.Outcomes.WithLabelValues(string(e.Prediction.Outcome.Status)).Inc()
	case *events.WeightsEvent:
		m.ObserveWeights(e.Table)
	case *events.CycleEvent:
		m.Jobs.WithLabelValues(e.Job, "ok").Add(float64(e.Succeeded))
		m.Jobs.WithLabelValues(e.Job, "error").Add(float64(e.Failed))
		m.JobDuration.WithLabelValues(e.Job).Observe(e.Duration.Seconds())
	}
	return nil
}
