package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
	"github.com/t77yq/alertd/internal/rules"
	"github.com/t77yq/alertd/internal/storage"
)

var (
	// ErrAlreadyExists is returned when creating a rule or channel whose id is taken
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned when an alert status change is not allowed
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// Statistics is the operational summary of the engine
type Statistics struct {
	Alerts          *model.AlertStats `json:"alerts"`
	ActiveRules     int               `json:"active_rules"`
	Channels        int               `json:"channels"`
	EnabledChannels int               `json:"enabled_channels"`
	AnomalyScoring  bool              `json:"anomaly_scoring"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// CreateRule validates and stores a new rule. An empty id is generated.
func (e *Engine) CreateRule(ctx context.Context, rule *model.AlertRule) (*model.AlertRule, error) {
	r := rule.Clone()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if _, err := e.findRule(ctx, r.ID); err == nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, ErrAlreadyExists)
	}

	now := e.now()
	r.CreatedAt, r.UpdatedAt = now, now
	r.TriggerCount, r.LastTriggeredAt = 0, nil
	if err := rules.Validate(r); err != nil {
		return nil, err
	}
	if err := e.store.SaveRule(ctx, r); err != nil {
		return nil, err
	}
	if r.Enabled {
		if err := e.rules.Put(r); err != nil {
			return nil, err
		}
	}

	e.logger.Info("Rule created", zap.String("rule_id", r.ID), zap.String("name", r.Name))
	return r.Clone(), nil
}

// UpdateRule replaces an existing rule, keeping its trigger stats. The rate
// window survives unless the rule is disabled or its condition changes.
func (e *Engine) UpdateRule(ctx context.Context, rule *model.AlertRule) (*model.AlertRule, error) {
	// held so no trigger lands between reading the stats and replacing the rule
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.findRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}

	r := rule.Clone()
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = e.now()
	r.TriggerCount = cur.TriggerCount
	r.LastTriggeredAt = cur.LastTriggeredAt
	if err := rules.Validate(r); err != nil {
		return nil, err
	}
	if err := e.store.SaveRule(ctx, r); err != nil {
		return nil, err
	}

	if !r.Enabled || conditionChanged(cur, r) {
		e.evaluator.Forget(r.ID)
	}
	if r.Enabled {
		if err := e.rules.Put(r); err != nil {
			return nil, err
		}
	} else {
		e.rules.Remove(r.ID)
	}

	e.logger.Info("Rule updated", zap.String("rule_id", r.ID), zap.Bool("enabled", r.Enabled))
	return r.Clone(), nil
}

func conditionChanged(a, b *model.AlertRule) bool {
	ca, cb := a.Condition, b.Condition
	return a.Type != b.Type ||
		!slices.Equal(ca.Severity, cb.Severity) ||
		!slices.Equal(ca.Category, cb.Category) ||
		ca.EventType != cb.EventType ||
		ca.Pattern != cb.Pattern ||
		ca.Count != cb.Count ||
		ca.TimeWindowSeconds != cb.TimeWindowSeconds
}

// DeleteRule removes a rule from storage and evaluation
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.rules.Remove(id)
	e.evaluator.Forget(id)
	e.logger.Info("Rule deleted", zap.String("rule_id", id))
	return nil
}

// ListRules returns every stored rule, disabled ones included. When storage
// is unavailable the in-memory rule set is returned.
func (e *Engine) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	stored, err := e.store.LoadRules(ctx)
	if err != nil {
		e.logger.Warn("Failed to list stored rules, using in-memory set", zap.Error(err))
		return e.rules.List(), nil
	}

	// in-memory stats are newer than the stored ones when writes failed
	for i, r := range stored {
		if mem, ok := e.rules.Get(r.ID); ok && mem.TriggerCount > r.TriggerCount {
			stored[i] = mem
		}
	}
	return stored, nil
}

func (e *Engine) findRule(ctx context.Context, id string) (*model.AlertRule, error) {
	if r, ok := e.rules.Get(id); ok {
		return r, nil
	}
	stored, err := e.store.LoadRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range stored {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
}

// CreateChannel validates and stores a new channel. An empty id is generated.
func (e *Engine) CreateChannel(ctx context.Context, ch *model.NotificationChannel) (*model.NotificationChannel, error) {
	c := ch.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, ok := e.channels.Get(c.ID); ok {
		return nil, fmt.Errorf("channel %s: %w", c.ID, ErrAlreadyExists)
	}
	c.LastUsedAt, c.UsageCount, c.FailureCount = nil, 0, 0
	return e.putChannel(ctx, c, "Channel created")
}

// UpdateChannel replaces an existing channel, keeping its usage counters
func (e *Engine) UpdateChannel(ctx context.Context, ch *model.NotificationChannel) (*model.NotificationChannel, error) {
	cur, ok := e.channels.Get(ch.ID)
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", ch.ID, storage.ErrNotFound)
	}
	c := ch.Clone()
	c.LastUsedAt, c.UsageCount, c.FailureCount = cur.LastUsedAt, cur.UsageCount, cur.FailureCount
	return e.putChannel(ctx, c, "Channel updated")
}

func (e *Engine) putChannel(ctx context.Context, c *model.NotificationChannel, msg string) (*model.NotificationChannel, error) {
	if err := e.channels.Validate(c); err != nil {
		return nil, err
	}
	if err := e.store.SaveChannel(ctx, c); err != nil {
		return nil, err
	}
	if err := e.channels.Put(c); err != nil {
		return nil, err
	}
	e.logger.Info(msg,
		zap.String("channel_id", c.ID),
		zap.String("type", string(c.Type)))
	return c.Clone(), nil
}

// DeleteChannel removes a channel. Rules still referencing it report a
// not-found result for it.
func (e *Engine) DeleteChannel(ctx context.Context, id string) error {
	if err := e.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	e.channels.Remove(id)
	e.logger.Info("Channel deleted", zap.String("channel_id", id))
	return nil
}

// ListChannels returns all channels ordered by id
func (e *Engine) ListChannels() []*model.NotificationChannel {
	return e.channels.List()
}

// ApplySeed upserts the rules and channels of a rules file
func (e *Engine) ApplySeed(ctx context.Context, seed *rules.Seed) {
	for _, ch := range seed.Channels {
		var err error
		if _, ok := e.channels.Get(ch.ID); ok {
			_, err = e.UpdateChannel(ctx, ch)
		} else {
			_, err = e.CreateChannel(ctx, ch)
		}
		if err != nil {
			e.logger.Warn("Failed to apply seeded channel",
				zap.String("channel_id", ch.ID),
				zap.Error(err))
		}
	}
	for _, r := range seed.Rules {
		var err error
		if _, ferr := e.findRule(ctx, r.ID); ferr == nil {
			_, err = e.UpdateRule(ctx, r)
		} else {
			_, err = e.CreateRule(ctx, r)
		}
		if err != nil {
			e.logger.Warn("Failed to apply seeded rule",
				zap.String("rule_id", r.ID),
				zap.Error(err))
		}
	}
	e.logger.Info("Rules file applied",
		zap.Int("rules", len(seed.Rules)),
		zap.Int("channels", len(seed.Channels)))
}

// GetAlert returns one alert
func (e *Engine) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	return e.store.GetAlert(ctx, id)
}

// ListAlerts returns alert history matching filter, newest first
func (e *Engine) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	return e.store.ListAlerts(ctx, filter)
}

// AcknowledgeAlert marks a triggered alert as acknowledged. Escalation
// continues until the alert is resolved.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id string) (*model.Alert, error) {
	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != model.AlertStatusTriggered {
		return nil, fmt.Errorf("%w: %s alert %s cannot be acknowledged", ErrInvalidTransition, alert.Status, id)
	}
	now := e.now()
	if err := e.store.UpdateAlertStatus(ctx, id, model.AlertStatusAcknowledged, now); err != nil {
		return nil, err
	}
	alert.Status = model.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now

	e.logger.Info("Alert acknowledged", zap.String("alert_id", id))
	return alert, nil
}

// ResolveAlert marks an alert as resolved and cancels its pending
// escalation levels.
func (e *Engine) ResolveAlert(ctx context.Context, id string) (*model.Alert, error) {
	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == model.AlertStatusResolved {
		return alert, nil
	}
	now := e.now()
	if err := e.store.UpdateAlertStatus(ctx, id, model.AlertStatusResolved, now); err != nil {
		return nil, err
	}
	cancelled := e.escalations.Cancel(id)
	alert.Status = model.AlertStatusResolved
	alert.ResolvedAt = &now

	e.logger.Info("Alert resolved",
		zap.String("alert_id", id),
		zap.Int("cancelled_levels", cancelled))
	return alert, nil
}

// Statistics summarizes alert history and the engine's configuration
func (e *Engine) Statistics(ctx context.Context) (*Statistics, error) {
	now := e.now()
	alerts, err := e.store.AlertStats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Alerts:         alerts,
		ActiveRules:    e.rules.Len(),
		AnomalyScoring: e.scorer != nil,
		GeneratedAt:    now,
	}
	for _, ch := range e.channels.List() {
		stats.Channels++
		if ch.Enabled {
			stats.EnabledChannels++
		}
	}
	return stats, nil
}

// MarkAnomaly records operator feedback on a detection. False positives are
// excluded from training.
func (e *Engine) MarkAnomaly(ctx context.Context, id string, resolved, falsePositive bool) error {
	if err := e.store.UpdateAnomalyDetection(ctx, id, resolved, falsePositive); err != nil {
		return err
	}
	e.logger.Info("Anomaly updated",
		zap.String("anomaly_id", id),
		zap.Bool("resolved", resolved),
		zap.Bool("false_positive", falsePositive))
	return nil
}

// AnomalyStatistics summarizes detections since the given time
func (e *Engine) AnomalyStatistics(ctx context.Context, since time.Time) (*model.AnomalyStats, error) {
	return e.store.AnomalyStats(ctx, since)
}
