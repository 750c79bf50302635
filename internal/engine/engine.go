package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/anomaly"
	"github.com/t77yq/alertd/internal/escalation"
	"github.com/t77yq/alertd/internal/model"
	"github.com/t77yq/alertd/internal/notify"
	"github.com/t77yq/alertd/internal/rules"
	"github.com/t77yq/alertd/internal/storage"
)

// ErrInvalidEvent is returned for events that cannot be processed
var ErrInvalidEvent = errors.New("invalid event")

// AlertSink receives every triggered or escalated alert
type AlertSink interface {
	PublishAlert(ctx context.Context, alert *model.Alert) error
}

// Observer is notified of processing outcomes, typically to record metrics
type Observer interface {
	EventProcessed(synthetic bool, duration time.Duration)
	AlertTriggered(alert *model.Alert)
	NotificationSent(channelType model.ChannelType, success bool)
	AnomalyDetected(d *model.AnomalyDetection)
	EscalationFired(level int)
}

type nopObserver struct{}

func (nopObserver) EventProcessed(bool, time.Duration)       {}
func (nopObserver) AlertTriggered(*model.Alert)              {}
func (nopObserver) NotificationSent(model.ChannelType, bool) {}
func (nopObserver) AnomalyDetected(*model.AnomalyDetection)  {}
func (nopObserver) EscalationFired(int)                      {}

// Engine is the alerting core. It owns the rule set, the channel registry,
// the escalation timers and the anomaly scorer of one instance.
type Engine struct {
	logger      *zap.Logger
	store       storage.Store
	rules       *rules.Store
	evaluator   *rules.Evaluator
	channels    *notify.Registry
	escalations *escalation.Scheduler
	scorer      *anomaly.Scorer
	sink        AlertSink
	observer    Observer
	now         func() time.Time

	reinjectConfidence float64
	escalationTimers   []escalation.Option

	// mu serializes event processing
	mu sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the engine clock, including rule cooldowns and windows
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSink publishes alerts to sink
func WithSink(sink AlertSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithObserver reports processing outcomes to o
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithScorer enables anomaly scoring
func WithScorer(s *anomaly.Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithReinjectConfidence sets the confidence from which anomalies are fed
// back into the rule pipeline. Default 0.8.
func WithReinjectConfidence(c float64) Option {
	return func(e *Engine) { e.reinjectConfidence = c }
}

// WithEscalationTimers overrides the escalation timer source
func WithEscalationTimers(after escalation.AfterFunc, now func() time.Time) Option {
	return func(e *Engine) {
		e.escalationTimers = append(e.escalationTimers, escalation.WithTimers(after, now))
	}
}

func New(logger *zap.Logger, store storage.Store, channels *notify.Registry, opts ...Option) *Engine {
	e := &Engine{
		logger:             logger.Named("engine"),
		store:              store,
		channels:           channels,
		observer:           nopObserver{},
		now:                time.Now,
		reinjectConfidence: 0.8,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.rules = rules.NewStore(logger)
	e.evaluator = rules.NewEvaluator(logger, e.rules, rules.WithClock(e.now))
	e.escalations = escalation.NewScheduler(logger, store.GetAlert, e.escalate, e.escalationTimers...)
	return e
}

// Start loads rules, channels and anomaly state. A failed rule load falls
// back to the default rule set; an empty store is seeded with it.
func (e *Engine) Start(ctx context.Context) error {
	loaded, err := e.store.LoadEnabledRules(ctx)
	switch {
	case err != nil:
		e.logger.Error("Failed to load rules, using defaults", zap.Error(err))
		loaded = rules.DefaultRules()
	case len(loaded) == 0:
		loaded, err = e.seedDefaultRules(ctx)
		if err != nil {
			return err
		}
	}
	e.rules.Load(loaded)

	channels, err := e.store.LoadChannels(ctx)
	if err != nil {
		e.logger.Error("Failed to load channels", zap.Error(err))
	} else {
		e.channels.Load(channels)
	}

	if e.scorer != nil {
		if err := e.scorer.Load(ctx); err != nil {
			e.logger.Error("Failed to load anomaly state", zap.Error(err))
		}
	}

	e.logger.Info("Engine started",
		zap.Int("rules", e.rules.Len()),
		zap.Int("channels", len(e.channels.List())),
		zap.Bool("anomaly_scoring", e.scorer != nil))
	return nil
}

func (e *Engine) seedDefaultRules(ctx context.Context) ([]*model.AlertRule, error) {
	all, err := e.store.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if len(all) > 0 {
		// every stored rule is disabled
		return nil, nil
	}

	defaults := rules.DefaultRules()
	for _, r := range defaults {
		if err := e.store.SaveRule(ctx, r); err != nil {
			e.logger.Warn("Failed to seed default rule",
				zap.String("rule_id", r.ID),
				zap.Error(err))
		}
	}
	e.logger.Info("Seeded default rules", zap.Int("count", len(defaults)))
	return defaults, nil
}

// Stop cancels pending escalations
func (e *Engine) Stop() {
	e.escalations.Stop()
	e.logger.Info("Engine stopped")
}

// ProcessEvent persists event, evaluates it against every enabled rule,
// dispatches the alerts that fire and scores it for anomalies. Events are
// processed one at a time.
func (e *Engine) ProcessEvent(ctx context.Context, event *model.Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	if event.Severity == "" {
		event.Severity = model.EventSeverityInfo
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	synthetic := event.IsSynthetic()
	if !synthetic {
		if err := e.store.SaveEvent(ctx, event); err != nil {
			e.logger.Error("Failed to store event",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}

	e.evaluate(ctx, event)

	if e.scorer != nil && !synthetic {
		for _, d := range e.scorer.Score(ctx, event) {
			e.observer.AnomalyDetected(d)
			if d.ConfidenceScore < e.reinjectConfidence {
				continue
			}
			e.logger.Info("Re-injecting anomaly",
				zap.String("anomaly_id", d.ID),
				zap.String("event_id", event.ID))
			e.evaluate(ctx, anomaly.SyntheticEvent(d, event))
		}
	}

	e.observer.EventProcessed(synthetic, time.Since(start))
	return nil
}

func (e *Engine) evaluate(ctx context.Context, event *model.Event) {
	for _, rule := range e.evaluator.Evaluate(event) {
		e.trigger(ctx, rule, event)
	}
}

// trigger creates the alert for rule, fans it out to the rule's channels and
// arms its escalation levels.
func (e *Engine) trigger(ctx context.Context, rule *model.AlertRule, event *model.Event) *model.Alert {
	now := e.now()
	alert := &model.Alert{
		ID:                  uuid.New().String(),
		RuleID:              rule.ID,
		RuleName:            rule.Name,
		Severity:            rule.Severity,
		Status:              model.AlertStatusTriggered,
		TriggeredAt:         now,
		Event:               *event,
		NotificationResults: make(map[string]model.NotificationResult),
	}

	if err := e.store.SaveAlert(ctx, alert); err != nil {
		e.logger.Error("Failed to store alert",
			zap.String("alert_id", alert.ID),
			zap.String("rule_id", rule.ID),
			zap.Error(err))
	}

	if len(rule.Channels) > 0 {
		results := e.channels.Dispatch(ctx, rule.Channels, notify.NewMessage(alert, 0))
		e.observeResults(results)
		alert.NotificationResults = results
		if err := e.store.UpdateAlertResults(ctx, alert.ID, results, 0); err != nil {
			e.logger.Error("Failed to store notification results",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}

	if n := e.escalations.Schedule(alert, rule.EscalationLevels); n > 0 {
		e.logger.Debug("Escalation armed",
			zap.String("alert_id", alert.ID),
			zap.Int("levels", n))
	}

	if err := e.store.IncrementRuleStats(ctx, rule.ID, now); err != nil {
		e.logger.Warn("Failed to update rule stats",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
	}

	e.publish(ctx, alert)
	e.observer.AlertTriggered(alert)

	e.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("rule_id", rule.ID),
		zap.String("event_id", event.ID),
		zap.String("severity", string(alert.Severity)),
		zap.Int("channels", len(rule.Channels)))
	return alert
}

// escalate sends one escalation level. Results are stored under
// "<channel>@L<level>" so they never overwrite earlier levels.
func (e *Engine) escalate(ctx context.Context, alert *model.Alert, level int, channels []string) {
	results := e.channels.Dispatch(ctx, channels, notify.NewMessage(alert, level))
	e.observeResults(results)
	e.observer.EscalationFired(level)

	keyed := make(map[string]model.NotificationResult, len(results))
	for id, r := range results {
		keyed[EscalationResultKey(id, level)] = r
	}
	if err := e.store.UpdateAlertResults(ctx, alert.ID, keyed, level); err != nil {
		e.logger.Error("Failed to store escalation results",
			zap.String("alert_id", alert.ID),
			zap.Int("level", level),
			zap.Error(err))
	}

	if alert.NotificationResults == nil {
		alert.NotificationResults = make(map[string]model.NotificationResult)
	}
	for k, r := range keyed {
		alert.NotificationResults[k] = r
	}
	alert.EscalationLevel = level
	e.publish(ctx, alert)
}

// EscalationResultKey is the notification result key of a channel at an
// escalation level
func EscalationResultKey(channelID string, level int) string {
	return fmt.Sprintf("%s@L%d", channelID, level)
}

func (e *Engine) observeResults(results map[string]model.NotificationResult) {
	for id, r := range results {
		var typ model.ChannelType
		if ch, ok := e.channels.Get(id); ok {
			typ = ch.Type
		}
		e.observer.NotificationSent(typ, r.Success)
	}
}

func (e *Engine) publish(ctx context.Context, alert *model.Alert) {
	if e.sink == nil {
		return
	}
	if err := e.sink.PublishAlert(ctx, alert); err != nil {
		e.logger.Warn("Failed to publish alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
	}
}

// PendingEscalations lists the escalation levels of alertID that have not fired
func (e *Engine) PendingEscalations(alertID string) []escalation.PendingLevel {
	return e.escalations.Pending(alertID)
}

// Scorer returns the anomaly scorer, nil when scoring is disabled
func (e *Engine) Scorer() *anomaly.Scorer {
	return e.scorer
}
