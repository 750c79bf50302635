package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/alertd/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// EventFilter narrows event history queries. Zero values are wildcards.
type EventFilter struct {
	Severity  model.EventSeverity
	Source    string
	Category  string
	HourOfDay *int
	// Keywords matches events whose message contains any keyword (case-insensitive)
	Keywords []string
}

// TrainingExample is a stored event together with its training label
type TrainingExample struct {
	Event   model.Event
	Anomaly bool
}

// Store is the persistence collaborator of the alerting core
type Store interface {
	// Rules
	LoadEnabledRules(ctx context.Context) ([]*model.AlertRule, error)
	LoadRules(ctx context.Context) ([]*model.AlertRule, error)
	SaveRule(ctx context.Context, rule *model.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
	IncrementRuleStats(ctx context.Context, ruleID string, triggeredAt time.Time) error

	// Channels
	LoadChannels(ctx context.Context) ([]*model.NotificationChannel, error)
	SaveChannel(ctx context.Context, channel *model.NotificationChannel) error
	DeleteChannel(ctx context.Context, id string) error
	UpdateChannelUsage(ctx context.Context, channelID string, success bool, usedAt time.Time) error

	// Alerts
	SaveAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	UpdateAlertResults(ctx context.Context, alertID string, results map[string]model.NotificationResult, escalationLevel int) error
	UpdateAlertStatus(ctx context.Context, alertID string, status model.AlertStatus, at time.Time) error
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error)
	AlertStats(ctx context.Context, since time.Time) (*model.AlertStats, error)

	// Events
	SaveEvent(ctx context.Context, event *model.Event) error
	QueryRecentEventCount(ctx context.Context, filter EventFilter, window time.Duration) (int, error)
	QueryHistoricalAverage(ctx context.Context, filter EventFilter, window time.Duration) (float64, error)
	RecentMessages(ctx context.Context, excludeEventID string, limit int) ([]string, error)

	// Anomalies
	LoadAnomalyRules(ctx context.Context) ([]*model.AnomalyDetectionRule, error)
	SaveAnomalyRule(ctx context.Context, rule *model.AnomalyDetectionRule) error
	IncrementAnomalyRuleUsage(ctx context.Context, ruleID string) error
	SaveAnomalyDetection(ctx context.Context, detection *model.AnomalyDetection) error
	UpdateAnomalyDetection(ctx context.Context, id string, resolved, falsePositive bool) error
	AnomalyStats(ctx context.Context, since time.Time) (*model.AnomalyStats, error)

	// Baselines
	LoadBaselinePatterns(ctx context.Context) ([]*model.BaselinePattern, error)
	UpsertBaselinePattern(ctx context.Context, pattern *model.BaselinePattern) error
	SourceHourlyRates(ctx context.Context, since time.Time) (map[string]float64, error)
	HourOfDayAverages(ctx context.Context, since time.Time) (map[int]float64, error)

	// Models
	TrainingPositives(ctx context.Context) ([]TrainingExample, error)
	TrainingNegatives(ctx context.Context, limit int) ([]TrainingExample, error)
	StoreModel(ctx context.Context, m *model.StatisticalModel) error
	ActiveModel(ctx context.Context, name string) (*model.StatisticalModel, error)

	Close() error
}
