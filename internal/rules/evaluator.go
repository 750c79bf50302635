package rules

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
)

// Evaluator runs events through the rule set
type Evaluator struct {
	logger  *zap.Logger
	store   *Store
	tracker *RateTracker
	now     func() time.Time
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithClock overrides the evaluator clock used for rate windows and cooldowns
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(logger *zap.Logger, store *Store, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		logger:  logger.Named("evaluator"),
		store:   store,
		tracker: NewRateTracker(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tracker exposes the rate windows
func (e *Evaluator) Tracker() *RateTracker {
	return e.tracker
}

// Evaluate runs event through every enabled rule in order and returns the
// rules that fired, with their trigger stats already updated. The predicate
// is evaluated before the cooldown gate so rate windows keep counting while
// a rule cools down.
func (e *Evaluator) Evaluate(event *model.Event) []*model.AlertRule {
	now := e.now()
	var fired []*model.AlertRule
	for _, ent := range e.store.snapshot() {
		matched, err := e.safeEvaluate(ent, event, now)
		if err != nil {
			e.logger.Error("Rule evaluation panicked",
				zap.String("rule_id", ent.rule.ID),
				zap.String("event_id", event.ID),
				zap.Error(err))
			continue
		}
		if !matched {
			continue
		}
		rule, ok := e.store.tryTrigger(ent.rule.ID, now)
		if !ok {
			e.logger.Debug("Rule in cooldown",
				zap.String("rule_id", ent.rule.ID),
				zap.String("event_id", event.ID))
			continue
		}
		e.logger.Info("Rule triggered",
			zap.String("rule_id", rule.ID),
			zap.String("rule_name", rule.Name),
			zap.String("event_id", event.ID))
		fired = append(fired, rule)
	}
	return fired
}

// Match compiles rule and evaluates it against event without the cooldown
// gate. Rate rules share the evaluator's windows.
func (e *Evaluator) Match(rule *model.AlertRule, event *model.Event) (bool, error) {
	cond, err := Compile(rule)
	if err != nil {
		return false, err
	}
	return cond.Evaluate(rule.ID, event, e.now(), e.tracker), nil
}

// Forget drops the rate window of a removed or replaced rule
func (e *Evaluator) Forget(ruleID string) {
	e.tracker.Reset(ruleID)
}

func (e *Evaluator) safeEvaluate(ent *entry, event *model.Event, now time.Time) (matched bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return ent.cond.Evaluate(ent.rule.ID, event, now, e.tracker), nil
}
