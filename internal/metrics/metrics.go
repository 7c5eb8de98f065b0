// Package metrics provides Prometheus metrics for the Kp forecast pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

// Manager owns the pipeline metrics and the registry they live in.
// All methods are safe on a nil *Manager.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	trainingRuns     *prometheus.CounterVec
	trainingDuration prometheus.Histogram
	trainingEpochs   prometheus.Gauge
	modelQuality     prometheus.Gauge
	modelRMSE        prometheus.Gauge
	historySize      prometheus.Gauge

	publishDecisions *prometheus.CounterVec
	daysPublished    prometheus.Counter
	lastPublishUnix  prometheus.Gauge
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithSubsystem sets the subsystem for all metrics.
func WithSubsystem(subsystem string) Option {
	return func(m *Manager) {
		if subsystem != "" {
			m.subsystem = subsystem
		}
	}
}

// WithHistogramBuckets sets the training duration buckets, in seconds.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = buckets
		}
	}
}

// WithRegistry registers metrics on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates a Manager on its own registry unless WithRegistry is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "kp",
		subsystem:        "forecast",
		histogramBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.trainingRuns = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "training_runs_total",
		Help:      "Training runs by result",
	}, []string{"result"})

	m.trainingDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "training_duration_seconds",
		Help:      "Wall time of successful training runs",
		Buckets:   m.histogramBuckets,
	})

	m.trainingEpochs = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "training_epochs",
		Help:      "Epochs run by the last training",
	})

	m.modelQuality = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "model_quality_ratio",
		Help:      "Quality score (0-1) of the last trained model",
	})

	m.modelRMSE = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "model_rmse",
		Help:      "Validation RMSE of the last trained model in Kp units",
	})

	m.historySize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "history_observations",
		Help:      "Observations in the last assembled Kp series",
	})

	m.publishDecisions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "publish_decisions_total",
		Help:      "Publish gate outcomes by published flag and reason",
	}, []string{"published", "reason"})

	m.daysPublished = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "forecast_days_published_total",
		Help:      "Forecast days upserted",
	})

	m.lastPublishUnix = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "last_publish_timestamp_seconds",
		Help:      "Unix time of the last successful publish",
	})
}

// Registry returns the registry backing the manager.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the manager's registry.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHistory records the size of an assembled series.
func (m *Manager) ObserveHistory(observations int) {
	if m == nil {
		return
	}
	m.historySize.Set(float64(observations))
}

// ObserveTraining records a successful training run.
func (m *Manager) ObserveTraining(elapsed time.Duration, run store.ModelRun) {
	if m == nil {
		return
	}
	m.trainingRuns.WithLabelValues("ok").Inc()
	m.trainingDuration.Observe(elapsed.Seconds())
	m.trainingEpochs.Set(float64(run.Epochs))
	m.modelQuality.Set(run.Quality)
	m.modelRMSE.Set(run.RMSE)
}

// TrainingFailed counts a training run that returned an error.
func (m *Manager) TrainingFailed() {
	if m == nil {
		return
	}
	m.trainingRuns.WithLabelValues("error").Inc()
}

// ObservePublish records one publish gate outcome.
func (m *Manager) ObservePublish(audit store.PublishAudit) {
	if m == nil {
		return
	}
	published := "false"
	if audit.Published {
		published = "true"
		m.lastPublishUnix.Set(float64(audit.PublishedAt.Unix()))
	}
	m.publishDecisions.WithLabelValues(published, audit.Reason).Inc()
	m.daysPublished.Add(float64(len(audit.InsertedRefs)))
}

// WriteTextfile writes the registry in text exposition format for the
// node_exporter textfile collector.
func (m *Manager) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
