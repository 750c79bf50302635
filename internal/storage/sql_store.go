package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS alert_rules (
	id VARCHAR(64) PRIMARY KEY,
	name TEXT NOT NULL,
	type VARCHAR(16) NOT NULL,
	cond TEXT NOT NULL,
	channels TEXT NOT NULL,
	severity VARCHAR(16) NOT NULL,
	enabled INTEGER NOT NULL,
	cooldown_seconds INTEGER NOT NULL,
	escalation TEXT,
	last_triggered_at BIGINT,
	trigger_count INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS notification_channels (
	id VARCHAR(64) PRIMARY KEY,
	name TEXT NOT NULL,
	type VARCHAR(16) NOT NULL,
	config TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	rate_limit_seconds INTEGER NOT NULL,
	last_used_at BIGINT,
	usage_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS alerts (
	id VARCHAR(64) PRIMARY KEY,
	rule_id VARCHAR(64) NOT NULL,
	rule_name TEXT NOT NULL,
	severity VARCHAR(16) NOT NULL,
	status VARCHAR(16) NOT NULL,
	triggered_at BIGINT NOT NULL,
	acknowledged_at BIGINT,
	resolved_at BIGINT,
	event TEXT NOT NULL,
	notification_results TEXT,
	escalation_level INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts(rule_id);
CREATE INDEX IF NOT EXISTS idx_alerts_triggered_at ON alerts(triggered_at);
CREATE TABLE IF NOT EXISTS events (
	id VARCHAR(64) PRIMARY KEY,
	ts BIGINT NOT NULL,
	hour_of_day INTEGER NOT NULL,
	severity VARCHAR(16) NOT NULL,
	category TEXT,
	event_type TEXT,
	source TEXT,
	device TEXT,
	message TEXT NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
CREATE TABLE IF NOT EXISTS anomaly_rules (
	id VARCHAR(64) PRIMARY KEY,
	name TEXT NOT NULL,
	rule_type VARCHAR(32) NOT NULL,
	parameters TEXT,
	confidence_threshold DOUBLE PRECISION NOT NULL,
	enabled INTEGER NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	accuracy_rating DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS anomaly_detections (
	id VARCHAR(64) PRIMARY KEY,
	ts BIGINT NOT NULL,
	source_event_id VARCHAR(64) NOT NULL,
	rule_id VARCHAR(64),
	anomaly_type VARCHAR(32) NOT NULL,
	severity VARCHAR(16) NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	description TEXT,
	features TEXT,
	resolved INTEGER NOT NULL DEFAULT 0,
	false_positive INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_anomaly_detections_event ON anomaly_detections(source_event_id);
CREATE TABLE IF NOT EXISTS baseline_patterns (
	pattern_type VARCHAR(16) NOT NULL,
	signature VARCHAR(255) NOT NULL,
	frequency_normal DOUBLE PRECISION NOT NULL,
	last_seen BIGINT NOT NULL,
	occurrence_count INTEGER NOT NULL,
	is_baseline INTEGER NOT NULL,
	PRIMARY KEY (pattern_type, signature)
);
CREATE TABLE IF NOT EXISTS statistical_models (
	id VARCHAR(64) PRIMARY KEY,
	name TEXT NOT NULL,
	data TEXT NOT NULL,
	accuracy DOUBLE PRECISION NOT NULL,
	training_date BIGINT NOT NULL,
	is_active INTEGER NOT NULL
);
`

// SQLStore implements Store on database/sql. Timestamps are stored as unix
// milliseconds so range queries behave the same on every driver.
type SQLStore struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Option configures a SQLStore
type Option func(*SQLStore)

// WithClock overrides the clock used for relative time-window queries
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// NewSQLStore opens the database and creates the schema if needed
func NewSQLStore(logger *zap.Logger, driver, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		logger: logger.Named("storage"),
		db:     db,
		driver: driver,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLStore) initialize() error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to the driver's bind syntax
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustAffect(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// LoadEnabledRules implements Store.LoadEnabledRules
func (s *SQLStore) LoadEnabledRules(ctx context.Context) ([]*model.AlertRule, error) {
	return s.loadRules(ctx, true)
}

// LoadRules implements Store.LoadRules
func (s *SQLStore) LoadRules(ctx context.Context) ([]*model.AlertRule, error) {
	return s.loadRules(ctx, false)
}

func (s *SQLStore) loadRules(ctx context.Context, enabledOnly bool) ([]*model.AlertRule, error) {
	query := `SELECT id, name, type, cond, channels, severity, enabled, cooldown_seconds,
		escalation, last_triggered_at, trigger_count, created_at, updated_at FROM alert_rules`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at, id"

	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.AlertRule
	for rows.Next() {
		var (
			rule                 model.AlertRule
			cond, channels       string
			escalation           sql.NullString
			enabled              int
			lastTriggered        sql.NullInt64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Type, &cond, &channels, &rule.Severity,
			&enabled, &rule.CooldownSeconds, &escalation, &lastTriggered, &rule.TriggerCount,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if err := json.Unmarshal([]byte(cond), &rule.Condition); err != nil {
			s.logger.Warn("Skipping rule with malformed condition",
				zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if err := json.Unmarshal([]byte(channels), &rule.Channels); err != nil {
			s.logger.Warn("Skipping rule with malformed channels",
				zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if escalation.Valid && escalation.String != "" {
			if err := json.Unmarshal([]byte(escalation.String), &rule.EscalationLevels); err != nil {
				s.logger.Warn("Ignoring malformed escalation levels",
					zap.String("rule_id", rule.ID), zap.Error(err))
			}
		}
		rule.Enabled = enabled == 1
		rule.LastTriggeredAt = timePtr(lastTriggered)
		rule.CreatedAt = fromMillis(createdAt)
		rule.UpdatedAt = fromMillis(updatedAt)
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

// SaveRule implements Store.SaveRule as an upsert
func (s *SQLStore) SaveRule(ctx context.Context, rule *model.AlertRule) error {
	cond, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}
	channels, err := json.Marshal(rule.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}
	escalation, err := json.Marshal(rule.EscalationLevels)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation levels: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO alert_rules (
			id, name, type, cond, channels, severity, enabled, cooldown_seconds,
			escalation, last_triggered_at, trigger_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			cond = excluded.cond,
			channels = excluded.channels,
			severity = excluded.severity,
			enabled = excluded.enabled,
			cooldown_seconds = excluded.cooldown_seconds,
			escalation = excluded.escalation,
			updated_at = excluded.updated_at`,
		rule.ID, rule.Name, string(rule.Type), string(cond), string(channels), string(rule.Severity),
		boolInt(rule.Enabled), rule.CooldownSeconds, string(escalation),
		nullMillis(rule.LastTriggeredAt), rule.TriggerCount,
		toMillis(rule.CreatedAt), toMillis(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// DeleteRule implements Store.DeleteRule
func (s *SQLStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "DELETE FROM alert_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return mustAffect(res, "rule", id)
}

// IncrementRuleStats implements Store.IncrementRuleStats
func (s *SQLStore) IncrementRuleStats(ctx context.Context, ruleID string, triggeredAt time.Time) error {
	res, err := s.exec(ctx,
		"UPDATE alert_rules SET trigger_count = trigger_count + 1, last_triggered_at = ? WHERE id = ?",
		toMillis(triggeredAt), ruleID)
	if err != nil {
		return fmt.Errorf("failed to increment rule stats: %w", err)
	}
	return mustAffect(res, "rule", ruleID)
}

// LoadChannels implements Store.LoadChannels
func (s *SQLStore) LoadChannels(ctx context.Context) ([]*model.NotificationChannel, error) {
	rows, err := s.query(ctx, `SELECT id, name, type, config, enabled, rate_limit_seconds,
		last_used_at, usage_count, failure_count FROM notification_channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []*model.NotificationChannel
	for rows.Next() {
		var (
			ch       model.NotificationChannel
			config   string
			enabled  int
			lastUsed sql.NullInt64
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &config, &enabled, &ch.RateLimitSeconds,
			&lastUsed, &ch.UsageCount, &ch.FailureCount); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		if err := json.Unmarshal([]byte(config), &ch.Config); err != nil {
			s.logger.Warn("Skipping channel with malformed config",
				zap.String("channel_id", ch.ID), zap.Error(err))
			continue
		}
		ch.Enabled = enabled == 1
		ch.LastUsedAt = timePtr(lastUsed)
		channels = append(channels, &ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return channels, nil
}

// SaveChannel implements Store.SaveChannel as an upsert
func (s *SQLStore) SaveChannel(ctx context.Context, ch *model.NotificationChannel) error {
	config, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal channel config: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO notification_channels (
			id, name, type, config, enabled, rate_limit_seconds, last_used_at, usage_count, failure_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			config = excluded.config,
			enabled = excluded.enabled,
			rate_limit_seconds = excluded.rate_limit_seconds`,
		ch.ID, ch.Name, string(ch.Type), string(config), boolInt(ch.Enabled), ch.RateLimitSeconds,
		nullMillis(ch.LastUsedAt), ch.UsageCount, ch.FailureCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// DeleteChannel implements Store.DeleteChannel
func (s *SQLStore) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "DELETE FROM notification_channels WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return mustAffect(res, "channel", id)
}

// UpdateChannelUsage implements Store.UpdateChannelUsage
func (s *SQLStore) UpdateChannelUsage(ctx context.Context, channelID string, success bool, usedAt time.Time) error {
	failed := 0
	if !success {
		failed = 1
	}
	res, err := s.exec(ctx, `
		UPDATE notification_channels SET
			usage_count = usage_count + 1,
			failure_count = failure_count + ?,
			last_used_at = ?
		WHERE id = ?`, failed, toMillis(usedAt), channelID)
	if err != nil {
		return fmt.Errorf("failed to update channel usage: %w", err)
	}
	return mustAffect(res, "channel", channelID)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
