package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/alertd/internal/model"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(zaptest.NewLogger(t), "sqlite3",
		filepath.Join(t.TempDir(), "alertd.db"),
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func countModels(t *testing.T, s *SQLStore, name string) int {
	t.Helper()
	var n int
	err := s.queryRow(context.Background(), "SELECT COUNT(*) FROM statistical_models WHERE name = ?", name).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestSQLStore_Rules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &model.AlertRule{
		ID:        "rule-b",
		Name:      "Errors",
		Type:      model.RuleTypeRate,
		Condition: model.RuleCondition{Severity: []model.EventSeverity{"error"}, Count: 5, TimeWindowSeconds: 60},
		Channels:  []string{"chan-a"},
		Severity:  model.AlertSeverityHigh,
		Enabled:   true,
		EscalationLevels: []model.EscalationLevel{
			{DelaySeconds: 300, Channels: []string{"chan-b"}},
		},
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
	second := &model.AlertRule{
		ID:        "rule-a",
		Name:      "Denied",
		Type:      model.RuleTypePattern,
		Condition: model.RuleCondition{Pattern: "denied"},
		Severity:  model.AlertSeverityMedium,
		Enabled:   false,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, store.SaveRule(ctx, first))
	require.NoError(t, store.SaveRule(ctx, second))

	all, err := store.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	// storage order follows creation time, not id
	assert.Equal(t, "rule-b", all[0].ID)
	assert.Equal(t, "rule-a", all[1].ID)
	assert.Equal(t, 5, all[0].Condition.Count)
	assert.Equal(t, []string{"chan-b"}, all[0].EscalationLevels[0].Channels)

	enabled, err := store.LoadEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "rule-b", enabled[0].ID)

	require.NoError(t, store.IncrementRuleStats(ctx, "rule-b", testNow))
	all, err = store.LoadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, all[0].TriggerCount)
	require.NotNil(t, all[0].LastTriggeredAt)
	assert.True(t, all[0].LastTriggeredAt.Equal(testNow))

	require.NoError(t, store.DeleteRule(ctx, "rule-a"))
	err = store.DeleteRule(ctx, "rule-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_ChannelUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ch := &model.NotificationChannel{
		ID:      "chan-a",
		Name:    "ops slack",
		Type:    model.ChannelSlack,
		Config:  map[string]string{"webhook_url": "https://hooks.example.com/x"},
		Enabled: true,
	}
	require.NoError(t, store.SaveChannel(ctx, ch))
	require.NoError(t, store.UpdateChannelUsage(ctx, "chan-a", true, testNow))
	require.NoError(t, store.UpdateChannelUsage(ctx, "chan-a", false, testNow))

	channels, err := store.LoadChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, 2, channels[0].UsageCount)
	assert.Equal(t, 1, channels[0].FailureCount)
	assert.Equal(t, "https://hooks.example.com/x", channels[0].Config["webhook_url"])

	assert.ErrorIs(t, store.UpdateChannelUsage(ctx, "missing", true, testNow), ErrNotFound)
}

func TestSQLStore_Alerts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alert := &model.Alert{
		ID:          "alert-1",
		RuleID:      "rule-1",
		RuleName:    "Errors",
		Severity:    model.AlertSeverityHigh,
		Status:      model.AlertStatusTriggered,
		TriggeredAt: testNow,
		Event:       model.Event{ID: "evt-1", Message: "disk failed", Severity: model.EventSeverityError},
	}
	require.NoError(t, store.SaveAlert(ctx, alert))

	require.NoError(t, store.UpdateAlertResults(ctx, "alert-1", map[string]model.NotificationResult{
		"chan-a": {Success: true, Detail: "sent"},
	}, 0))
	require.NoError(t, store.UpdateAlertResults(ctx, "alert-1", map[string]model.NotificationResult{
		"chan-b@L1": {Success: false, Error: "timeout"},
	}, 1))

	got, err := store.GetAlert(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Len(t, got.NotificationResults, 2)
	assert.True(t, got.NotificationResults["chan-a"].Success)
	assert.Equal(t, "timeout", got.NotificationResults["chan-b@L1"].Error)
	assert.Equal(t, "disk failed", got.Event.Message)

	require.NoError(t, store.UpdateAlertStatus(ctx, "alert-1", model.AlertStatusResolved, testNow.Add(time.Minute)))
	got, err = store.GetAlert(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)

	_, err = store.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_ListAlertsAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		sev := model.AlertSeverityHigh
		if i%2 == 0 {
			sev = model.AlertSeverityLow
		}
		require.NoError(t, store.SaveAlert(ctx, &model.Alert{
			ID:          fmt.Sprintf("alert-%d", i),
			RuleID:      fmt.Sprintf("rule-%d", i%2),
			RuleName:    "r",
			Severity:    sev,
			Status:      model.AlertStatusTriggered,
			TriggeredAt: testNow.Add(-time.Duration(i) * 12 * time.Hour),
		}))
	}

	alerts, err := store.ListAlerts(ctx, model.AlertFilter{Severity: []model.AlertSeverity{model.AlertSeverityHigh}})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "alert-1", alerts[0].ID)

	from := testNow.Add(-13 * time.Hour)
	alerts, err = store.ListAlerts(ctx, model.AlertFilter{From: &from})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	alerts, err = store.ListAlerts(ctx, model.AlertFilter{RuleID: "rule-0", Limit: 1})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "alert-0", alerts[0].ID)

	stats, err := store.AlertStats(ctx, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.BySeverity[model.AlertSeverityLow])
	assert.Equal(t, 4, stats.ByStatus[model.AlertStatusTriggered])
	assert.Equal(t, 3, stats.Last24h)
}

func TestSQLStore_EventQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	save := func(id string, at time.Time, sev model.EventSeverity, source, msg string) {
		require.NoError(t, store.SaveEvent(ctx, &model.Event{
			ID: id, Timestamp: at, Severity: sev, Source: source, Message: msg,
		}))
	}

	// recent window
	save("r1", testNow.Add(-time.Minute), model.EventSeverityError, "web", "Login FAILED")
	save("r2", testNow.Add(-2*time.Minute), model.EventSeverityError, "web", "ok")
	save("r3", testNow.Add(-10*time.Minute), model.EventSeverityError, "db", "ok")
	// history: 12 errors spread across days 2..4
	for i := 0; i < 12; i++ {
		save(fmt.Sprintf("h%d", i), testNow.Add(-48*time.Hour-time.Duration(i)*4*time.Hour), model.EventSeverityError, "web", "old")
	}
	// inside the excluded most recent day
	save("x1", testNow.Add(-5*time.Hour), model.EventSeverityError, "web", "yesterday-ish")

	n, err := store.QueryRecentEventCount(ctx, EventFilter{Severity: model.EventSeverityError}, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.QueryRecentEventCount(ctx, EventFilter{Keywords: []string{"failed"}}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	avg, err := store.QueryHistoricalAverage(ctx, EventFilter{Severity: model.EventSeverityError}, time.Hour)
	require.NoError(t, err)
	// 12 events over six days of hourly buckets
	assert.InDelta(t, 12.0/144.0, avg, 1e-9)

	msgs, err := store.RecentMessages(ctx, "r1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "ok"}, msgs)

	// duplicate ids are ignored
	save("r1", testNow, model.EventSeverityError, "web", "dup")
	n, err = store.QueryRecentEventCount(ctx, EventFilter{Source: "web"}, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLStore_Baselines(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &model.BaselinePattern{
		PatternType:     model.BaselineSource,
		Signature:       "web",
		FrequencyNormal: 1,
		LastSeen:        testNow,
		OccurrenceCount: 1,
		IsBaseline:      true,
	}
	require.NoError(t, store.UpsertBaselinePattern(ctx, p))
	p.FrequencyNormal = 42
	p.OccurrenceCount = 7
	require.NoError(t, store.UpsertBaselinePattern(ctx, p))

	patterns, err := store.LoadBaselinePatterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 42.0, patterns[0].FrequencyNormal)
	assert.Equal(t, 7, patterns[0].OccurrenceCount)
}

func TestSQLStore_ModelsAndTraining(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveEvent(ctx, &model.Event{
			ID: fmt.Sprintf("e%d", i), Timestamp: testNow, Severity: model.EventSeverityInfo, Message: "m",
		}))
	}
	require.NoError(t, store.SaveAnomalyDetection(ctx, &model.AnomalyDetection{
		ID: "d1", Timestamp: testNow, SourceEventID: "e0", AnomalyType: model.AnomalyContentAnomaly,
		Severity: model.AlertSeverityHigh, ConfidenceScore: 0.85,
	}))
	require.NoError(t, store.SaveAnomalyDetection(ctx, &model.AnomalyDetection{
		ID: "d2", Timestamp: testNow, SourceEventID: "e1", AnomalyType: model.AnomalySourceAnomaly,
		Severity: model.AlertSeverityMedium, ConfidenceScore: 0.65,
	}))
	require.NoError(t, store.UpdateAnomalyDetection(ctx, "d2", true, true))

	pos, err := store.TrainingPositives(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "e0", pos[0].Event.ID)
	assert.True(t, pos[0].Anomaly)

	neg, err := store.TrainingNegatives(ctx, 10)
	require.NoError(t, err)
	require.Len(t, neg, 1)
	assert.Equal(t, "e2", neg[0].Event.ID)

	stats, err := store.AnomalyStats(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.FalsePositives)
	assert.InDelta(t, 0.5, stats.FalsePositiveRate, 1e-9)
	assert.InDelta(t, 0.75, stats.AverageConfidence, 1e-9)

	first := &model.StatisticalModel{Name: "clf", AccuracyScore: 0.8, TrainingDate: testNow}
	second := &model.StatisticalModel{Name: "clf", AccuracyScore: 0.9, TrainingDate: testNow}
	require.NoError(t, store.StoreModel(ctx, first))
	require.NoError(t, store.StoreModel(ctx, second))

	active, err := store.ActiveModel(ctx, "clf")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, 0.9, active.AccuracyScore)
	assert.Equal(t, 2, countModels(t, store, "clf"))

	_, err = store.ActiveModel(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_Rebind(t *testing.T) {
	s := &SQLStore{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)",
		s.rebind("SELECT * FROM t WHERE a = ? AND b IN ("+placeholders(2)+")"))

	s.driver = "sqlite3"
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}
