package monitor

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/alertd/internal/model"
)

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()

	m.EventProcessed(false, 2*time.Millisecond)
	m.EventProcessed(false, time.Millisecond)
	m.EventProcessed(true, time.Millisecond)
	m.AlertTriggered(&model.Alert{RuleID: "disk-full", Severity: model.AlertSeverityCritical})
	m.NotificationSent(model.ChannelSlack, true)
	m.NotificationSent(model.ChannelSlack, false)
	m.NotificationSent("", false)
	m.AnomalyDetected(&model.AnomalyDetection{AnomalyType: model.AnomalySourceAnomaly})
	m.EscalationFired(2)

	assert.Equal(t, 2.0, promtest.ToFloat64(m.eventsProcessed.WithLabelValues("ingest")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.eventsProcessed.WithLabelValues("anomaly")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.alertsTriggered.WithLabelValues("disk-full", "critical")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.notificationsSent.WithLabelValues("slack", "failure")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.notificationsSent.WithLabelValues("unknown", "failure")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.anomaliesDetected.WithLabelValues("source_anomaly")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.escalationsFired.WithLabelValues("2")))
}

func TestTrainingFinished(t *testing.T) {
	m := NewMetrics()

	m.TrainingFinished(&model.StatisticalModel{AccuracyScore: 0.92}, nil)
	m.TrainingFinished(&model.StatisticalModel{AccuracyScore: 0.4}, errors.New("too low"))
	m.TrainingFinished(nil, errors.New("no data"))

	assert.Equal(t, 0.92, promtest.ToFloat64(m.modelAccuracy))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.trainingRuns.WithLabelValues("stored")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.trainingRuns.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.trainingRuns.WithLabelValues("failed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.AlertTriggered(&model.Alert{RuleID: "r1", Severity: model.AlertSeverityLow})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `alertd_alerts_triggered_total{rule="r1",severity="low"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetrics()
	collector := NewMetricsCollector(m, time.Hour, zaptest.NewLogger(t))

	snap, err := collector.Collect(context.Background())
	require.NoError(t, err)

	assert.NotZero(t, snap.Timestamp)
	assert.GreaterOrEqual(t, snap.CPUUsage, 0.0)
	assert.Greater(t, snap.MemoryUsage, 0.0)
	assert.Positive(t, snap.Goroutines)
	assert.Equal(t, float64(snap.Goroutines), promtest.ToFloat64(m.resourceGoroutines))
	assert.Equal(t, snap.MemoryUsage, promtest.ToFloat64(m.resourceMemoryUsed))
}

func TestMetricsCollectorStops(t *testing.T) {
	collector := NewMetricsCollector(NewMetrics(), 10*time.Millisecond, zaptest.NewLogger(t))
	collector.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	collector.Stop()
}
