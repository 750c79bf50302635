package anomaly

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
	"github.com/t77yq/alertd/internal/storage"
)

// baselineWindow is the history used to compute baselines
const baselineWindow = 7 * 24 * time.Hour

// Store is the persistence the scorer needs
type Store interface {
	QueryRecentEventCount(ctx context.Context, filter storage.EventFilter, window time.Duration) (int, error)
	QueryHistoricalAverage(ctx context.Context, filter storage.EventFilter, window time.Duration) (float64, error)
	RecentMessages(ctx context.Context, excludeEventID string, limit int) ([]string, error)

	LoadAnomalyRules(ctx context.Context) ([]*model.AnomalyDetectionRule, error)
	SaveAnomalyRule(ctx context.Context, rule *model.AnomalyDetectionRule) error
	IncrementAnomalyRuleUsage(ctx context.Context, ruleID string) error
	SaveAnomalyDetection(ctx context.Context, detection *model.AnomalyDetection) error

	LoadBaselinePatterns(ctx context.Context) ([]*model.BaselinePattern, error)
	UpsertBaselinePattern(ctx context.Context, pattern *model.BaselinePattern) error
	SourceHourlyRates(ctx context.Context, since time.Time) (map[string]float64, error)
	HourOfDayAverages(ctx context.Context, since time.Time) (map[int]float64, error)
}

// Result is the verdict of one detector for one event
type Result struct {
	IsAnomaly   bool
	Confidence  float64
	Description string
}

type baselineKey struct {
	patternType model.BaselinePatternType
	signature   string
}

// Scorer runs the anomaly detectors over incoming events
type Scorer struct {
	logger *zap.Logger
	store  Store
	now    func() time.Time

	mu        sync.RWMutex
	rules     []*model.AnomalyDetectionRule
	baselines map[baselineKey]*model.BaselinePattern
}

// Option configures a Scorer
type Option func(*Scorer)

// WithClock overrides the scorer clock
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

func NewScorer(logger *zap.Logger, store Store, opts ...Option) *Scorer {
	s := &Scorer{
		logger:    logger.Named("anomaly"),
		store:     store,
		now:       time.Now,
		baselines: make(map[baselineKey]*model.BaselinePattern),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads detection rules and baselines. When no rules are stored the
// default rules are seeded.
func (s *Scorer) Load(ctx context.Context) error {
	rules, err := s.store.LoadAnomalyRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load anomaly rules: %w", err)
	}
	if len(rules) == 0 {
		rules = DefaultRules()
		for _, r := range rules {
			if err := s.store.SaveAnomalyRule(ctx, r); err != nil {
				s.logger.Warn("Failed to seed anomaly rule",
					zap.String("rule_id", r.ID),
					zap.Error(err))
			}
		}
	}
	s.SetRules(rules)
	return s.reloadBaselines(ctx)
}

// SetRules replaces the detection rules
func (s *Scorer) SetRules(rules []*model.AnomalyDetectionRule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// Rules returns the current detection rules
func (s *Scorer) Rules() []*model.AnomalyDetectionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.AnomalyDetectionRule, len(s.rules))
	copy(out, s.rules)
	return out
}

func (s *Scorer) reloadBaselines(ctx context.Context) error {
	patterns, err := s.store.LoadBaselinePatterns(ctx)
	if err != nil {
		return fmt.Errorf("failed to load baselines: %w", err)
	}
	baselines := make(map[baselineKey]*model.BaselinePattern, len(patterns))
	for _, p := range patterns {
		baselines[baselineKey{p.PatternType, p.Signature}] = p
	}

	s.mu.Lock()
	s.baselines = baselines
	s.mu.Unlock()

	s.logger.Debug("Baselines loaded", zap.Int("count", len(baselines)))
	return nil
}

func (s *Scorer) baseline(t model.BaselinePatternType, signature string) (model.BaselinePattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.baselines[baselineKey{t, signature}]
	if !ok {
		return model.BaselinePattern{}, false
	}
	return *p, true
}

func (s *Scorer) putBaseline(ctx context.Context, p *model.BaselinePattern) {
	s.mu.Lock()
	cp := *p
	s.baselines[baselineKey{p.PatternType, p.Signature}] = &cp
	s.mu.Unlock()

	if err := s.store.UpsertBaselinePattern(ctx, p); err != nil {
		s.logger.Warn("Failed to persist baseline",
			zap.String("pattern_type", string(p.PatternType)),
			zap.String("signature", p.Signature),
			zap.Error(err))
	}
}

// Score runs every enabled detector against event and records the anomalies
// found. Synthetic anomaly events are never scored. A failing detector is
// logged and skipped.
func (s *Scorer) Score(ctx context.Context, event *model.Event) []*model.AnomalyDetection {
	if event.IsSynthetic() {
		return nil
	}

	features := Extract(event)
	var detections []*model.AnomalyDetection
	for _, rule := range s.Rules() {
		if !rule.Enabled {
			continue
		}
		res, err := s.detect(ctx, rule, event, features)
		if err != nil {
			s.logger.Error("Anomaly detector failed",
				zap.String("rule_id", rule.ID),
				zap.String("event_id", event.ID),
				zap.Error(err))
			continue
		}
		if !res.IsAnomaly || res.Confidence < rule.ConfidenceThreshold {
			continue
		}

		d := &model.AnomalyDetection{
			ID:              uuid.New().String(),
			Timestamp:       s.now(),
			SourceEventID:   event.ID,
			RuleID:          rule.ID,
			AnomalyType:     rule.RuleType,
			Severity:        model.SeverityForConfidence(res.Confidence),
			ConfidenceScore: res.Confidence,
			Description:     res.Description,
			Features:        features.Numeric(),
		}
		s.record(ctx, rule, d)
		detections = append(detections, d)
	}
	return detections
}

func (s *Scorer) record(ctx context.Context, rule *model.AnomalyDetectionRule, d *model.AnomalyDetection) {
	s.logger.Info("Anomaly detected",
		zap.String("anomaly_id", d.ID),
		zap.String("rule_id", rule.ID),
		zap.String("event_id", d.SourceEventID),
		zap.String("type", string(d.AnomalyType)),
		zap.Float64("confidence", d.ConfidenceScore))

	if err := s.store.SaveAnomalyDetection(ctx, d); err != nil {
		s.logger.Error("Failed to store anomaly",
			zap.String("anomaly_id", d.ID),
			zap.Error(err))
	}
	if err := s.store.IncrementAnomalyRuleUsage(ctx, rule.ID); err != nil {
		s.logger.Warn("Failed to update anomaly rule usage",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
	}
}

func (s *Scorer) detect(ctx context.Context, rule *model.AnomalyDetectionRule, event *model.Event, f Features) (Result, error) {
	switch rule.RuleType {
	case model.AnomalyFrequencySpike:
		return s.frequencySpike(ctx, rule, event)
	case model.AnomalySourceAnomaly:
		return s.sourceAnomaly(ctx, rule, event)
	case model.AnomalyContentAnomaly:
		return s.contentAnomaly(ctx, rule, event)
	case model.AnomalyTemporalAnomaly:
		return s.temporalAnomaly(ctx, rule, f)
	case model.AnomalySecurityCluster:
		return s.securityCluster(ctx, rule, event)
	default:
		return Result{}, fmt.Errorf("unknown anomaly rule type %q", rule.RuleType)
	}
}

// RefreshBaselines recomputes source and hourly baselines from the last seven
// days of events, persists them and reloads the cache.
func (s *Scorer) RefreshBaselines(ctx context.Context) error {
	now := s.now()
	since := now.Add(-baselineWindow)

	rates, err := s.store.SourceHourlyRates(ctx, since)
	if err != nil {
		return err
	}
	for source, rate := range rates {
		p := &model.BaselinePattern{
			PatternType:     model.BaselineSource,
			Signature:       source,
			FrequencyNormal: rate,
			LastSeen:        now,
			IsBaseline:      true,
		}
		if cur, ok := s.baseline(model.BaselineSource, source); ok {
			p.LastSeen = cur.LastSeen
			p.OccurrenceCount = cur.OccurrenceCount
		}
		if err := s.store.UpsertBaselinePattern(ctx, p); err != nil {
			return fmt.Errorf("failed to store source baseline: %w", err)
		}
	}

	hourly, err := s.store.HourOfDayAverages(ctx, since)
	if err != nil {
		return err
	}
	for hour, avg := range hourly {
		p := &model.BaselinePattern{
			PatternType:     model.BaselineHourly,
			Signature:       strconv.Itoa(hour),
			FrequencyNormal: avg,
			LastSeen:        now,
			IsBaseline:      true,
		}
		if err := s.store.UpsertBaselinePattern(ctx, p); err != nil {
			return fmt.Errorf("failed to store hourly baseline: %w", err)
		}
	}

	s.logger.Info("Baselines refreshed",
		zap.Int("sources", len(rates)),
		zap.Int("hours", len(hourly)))
	return s.reloadBaselines(ctx)
}

// SyntheticEvent builds the pseudo-event that feeds an anomaly back into the
// rule pipeline.
func SyntheticEvent(d *model.AnomalyDetection, source *model.Event) *model.Event {
	return &model.Event{
		ID:        uuid.New().String(),
		Timestamp: d.Timestamp,
		Severity:  model.EventSeverityFor(d.Severity),
		Category:  "anomaly",
		EventType: model.EventTypeAnomaly,
		Source:    source.Source,
		Device:    source.Device,
		Message:   fmt.Sprintf("Anomaly detected (%s): %s", d.AnomalyType, d.Description),
		Metadata: map[string]string{
			"anomaly_id":      d.ID,
			"anomaly_type":    string(d.AnomalyType),
			"confidence":      strconv.FormatFloat(d.ConfidenceScore, 'f', 3, 64),
			"source_event_id": d.SourceEventID,
		},
	}
}
