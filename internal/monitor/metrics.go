package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
)

const namespace = "alertd"

// Metrics records alerting outcomes as Prometheus metrics. It implements the
// engine's Observer.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed    *prometheus.CounterVec
	eventDuration      prometheus.Histogram
	alertsTriggered    *prometheus.CounterVec
	notificationsSent  *prometheus.CounterVec
	anomaliesDetected  *prometheus.CounterVec
	escalationsFired   *prometheus.CounterVec
	trainingRuns       *prometheus.CounterVec
	modelAccuracy      prometheus.Gauge
	resourceCPUUsage   prometheus.Gauge
	resourceMemoryUsed prometheus.Gauge
	resourceGoroutines prometheus.Gauge
}

// NewMetrics creates the metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events evaluated, by origin",
		}, []string{"origin"}),
		eventDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time spent processing one event",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		alertsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Alerts triggered, by rule and severity",
		}, []string{"rule", "severity"}),
		notificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts, by channel type and result",
		}, []string{"channel_type", "result"}),
		anomaliesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Anomalies recorded, by type",
		}, []string{"type"}),
		escalationsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_fired_total",
			Help:      "Escalation levels sent, by level",
		}, []string{"level"}),
		trainingRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Model training runs, by result",
		}, []string{"result"}),
		modelAccuracy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_accuracy",
			Help:      "Validation accuracy of the last stored model",
		}),
		resourceCPUUsage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilisation",
		}),
		resourceMemoryUsed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "host_memory_percent",
			Help:      "Host memory utilisation",
		}),
		resourceGoroutines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
	}
}

// Registry returns the registry holding every alertd metric
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventProcessed(synthetic bool, d time.Duration) {
	origin := "ingest"
	if synthetic {
		origin = "anomaly"
	}
	m.eventsProcessed.WithLabelValues(origin).Inc()
	m.eventDuration.Observe(d.Seconds())
}

func (m *Metrics) AlertTriggered(a *model.Alert) {
	m.alertsTriggered.WithLabelValues(a.RuleID, string(a.Severity)).Inc()
}

func (m *Metrics) NotificationSent(t model.ChannelType, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	if t == "" {
		t = "unknown"
	}
	m.notificationsSent.WithLabelValues(string(t), result).Inc()
}

func (m *Metrics) AnomalyDetected(d *model.AnomalyDetection) {
	m.anomaliesDetected.WithLabelValues(string(d.AnomalyType)).Inc()
}

func (m *Metrics) EscalationFired(level int) {
	m.escalationsFired.WithLabelValues(strconv.Itoa(level)).Inc()
}

// TrainingFinished records a training run. A nil model means the run
// produced nothing.
func (m *Metrics) TrainingFinished(sm *model.StatisticalModel, err error) {
	switch {
	case err == nil:
		m.trainingRuns.WithLabelValues("stored").Inc()
		m.modelAccuracy.Set(sm.AccuracyScore)
	case sm != nil:
		m.trainingRuns.WithLabelValues("rejected").Inc()
	default:
		m.trainingRuns.WithLabelValues("failed").Inc()
	}
}

// Serve exposes the metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, logger *zap.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Named("metrics").Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
