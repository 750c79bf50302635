package anomaly

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/t77yq/alertd/internal/model"
	"github.com/t77yq/alertd/internal/storage"
)

// DefaultRules returns one detection rule per detector with default parameters
func DefaultRules() []*model.AnomalyDetectionRule {
	return []*model.AnomalyDetectionRule{
		{
			ID:       "frequency-spike",
			Name:     "Frequency spike",
			RuleType: model.AnomalyFrequencySpike,
			Parameters: map[string]float64{
				"window_minutes":  5,
				"spike_threshold": 3,
				"minimum_count":   10,
			},
			ConfidenceThreshold: 0.5,
			Enabled:             true,
		},
		{
			ID:       "source-anomaly",
			Name:     "Unusual source activity",
			RuleType: model.AnomalySourceAnomaly,
			Parameters: map[string]float64{
				"new_source_confidence": 0.7,
			},
			ConfidenceThreshold: 0.6,
			Enabled:             true,
		},
		{
			ID:       "content-anomaly",
			Name:     "Unusual message content",
			RuleType: model.AnomalyContentAnomaly,
			Parameters: map[string]float64{
				"sample_size":          100,
				"similarity_threshold": 0.3,
			},
			ConfidenceThreshold: 0.75,
			Enabled:             true,
		},
		{
			ID:       "temporal-anomaly",
			Name:     "Unusual time-of-day volume",
			RuleType: model.AnomalyTemporalAnomaly,
			Parameters: map[string]float64{
				"deviation_threshold": 1.5,
			},
			ConfidenceThreshold: 0.5,
			Enabled:             true,
		},
		{
			ID:       "security-cluster",
			Name:     "Security event cluster",
			RuleType: model.AnomalySecurityCluster,
			Parameters: map[string]float64{
				"window_minutes":    5,
				"cluster_threshold": 5,
			},
			ConfidenceThreshold: 0.7,
			Enabled:             true,
		},
	}
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// frequencySpike compares the count of same-severity events in the trailing
// window with the historical per-window average.
func (s *Scorer) frequencySpike(ctx context.Context, rule *model.AnomalyDetectionRule, e *model.Event) (Result, error) {
	window := minutes(rule.Param("window_minutes", 5))
	threshold := rule.Param("spike_threshold", 3)
	minimum := rule.Param("minimum_count", 10)
	if window <= 0 || threshold <= 0 {
		return Result{}, fmt.Errorf("rule %s: window and threshold must be positive", rule.ID)
	}

	filter := storage.EventFilter{Severity: e.Severity}
	recent, err := s.store.QueryRecentEventCount(ctx, filter, window)
	if err != nil {
		return Result{}, err
	}
	expected, err := s.store.QueryHistoricalAverage(ctx, filter, window)
	if err != nil {
		return Result{}, err
	}
	if expected < 1 {
		expected = 1
	}

	ratio := float64(recent) / expected
	if ratio < threshold || float64(recent) < minimum {
		return Result{}, nil
	}
	return Result{
		IsAnomaly:  true,
		Confidence: math.Min(0.9, 0.5+0.4*(ratio-threshold)/threshold),
		Description: fmt.Sprintf("%d %s events in %s, %.1fx the expected %.1f",
			recent, e.Severity, window, ratio, expected),
	}, nil
}

// sourceAnomaly flags sources never seen before and sources whose hourly
// volume strays from their baseline.
func (s *Scorer) sourceAnomaly(ctx context.Context, rule *model.AnomalyDetectionRule, e *model.Event) (Result, error) {
	if e.Source == "" {
		return Result{}, nil
	}

	base, known := s.baseline(model.BaselineSource, e.Source)
	if !known {
		s.putBaseline(ctx, &model.BaselinePattern{
			PatternType:     model.BaselineSource,
			Signature:       e.Source,
			FrequencyNormal: 1,
			LastSeen:        e.Timestamp,
			OccurrenceCount: 1,
		})
		return Result{
			IsAnomaly:   true,
			Confidence:  rule.Param("new_source_confidence", 0.7),
			Description: fmt.Sprintf("new source %q", e.Source),
		}, nil
	}

	current, err := s.store.QueryRecentEventCount(ctx, storage.EventFilter{Source: e.Source}, time.Hour)
	if err != nil {
		return Result{}, err
	}

	base.LastSeen = e.Timestamp
	base.OccurrenceCount++
	s.putBaseline(ctx, &base)

	if base.FrequencyNormal <= 0 {
		return Result{}, nil
	}
	ratio := float64(current) / base.FrequencyNormal
	if ratio <= 2 && ratio >= 0.5 {
		return Result{}, nil
	}
	deviation := math.Abs(float64(current)-base.FrequencyNormal) / base.FrequencyNormal
	return Result{
		IsAnomaly:  true,
		Confidence: math.Min(0.85, 0.5+0.1*deviation),
		Description: fmt.Sprintf("source %q sent %d events in the last hour, baseline %.1f",
			e.Source, current, base.FrequencyNormal),
	}, nil
}

// contentAnomaly flags messages unlike any of the recent ones
func (s *Scorer) contentAnomaly(ctx context.Context, rule *model.AnomalyDetectionRule, e *model.Event) (Result, error) {
	size := int(rule.Param("sample_size", 100))
	threshold := rule.Param("similarity_threshold", 0.3)
	if size <= 0 {
		return Result{}, nil
	}

	sample, err := s.store.RecentMessages(ctx, e.ID, size)
	if err != nil {
		return Result{}, err
	}
	if len(sample) == 0 {
		return Result{}, nil
	}

	var best float64
	for _, m := range sample {
		if sim := MessageSimilarity(e.Message, m); sim > best {
			best = sim
		}
	}
	if best >= threshold {
		return Result{}, nil
	}
	return Result{
		IsAnomaly:   true,
		Confidence:  math.Min(0.9, 1-best),
		Description: fmt.Sprintf("message unlike the last %d messages (max similarity %.2f)", len(sample), best),
	}, nil
}

// temporalAnomaly compares the trailing hour's volume with what is normal for
// this hour of the day.
func (s *Scorer) temporalAnomaly(ctx context.Context, rule *model.AnomalyDetectionRule, f Features) (Result, error) {
	threshold := rule.Param("deviation_threshold", 1.5)

	current, err := s.store.QueryRecentEventCount(ctx, storage.EventFilter{}, time.Hour)
	if err != nil {
		return Result{}, err
	}

	var avg float64
	if base, ok := s.baseline(model.BaselineHourly, strconv.Itoa(f.HourOfDay)); ok {
		avg = base.FrequencyNormal
	} else {
		hour := f.HourOfDay
		avg, err = s.store.QueryHistoricalAverage(ctx, storage.EventFilter{HourOfDay: &hour}, time.Hour)
		if err != nil {
			return Result{}, err
		}
	}
	if avg == 0 {
		return Result{}, nil
	}

	deviation := math.Abs(float64(current)-avg) / avg
	if deviation <= threshold {
		return Result{}, nil
	}
	return Result{
		IsAnomaly:  true,
		Confidence: math.Min(0.85, 0.5+0.1*(deviation-threshold)),
		Description: fmt.Sprintf("%d events in the last hour, %.1f usual for hour %02d",
			current, avg, f.HourOfDay),
	}, nil
}

// securityCluster flags bursts of security-related messages
func (s *Scorer) securityCluster(ctx context.Context, rule *model.AnomalyDetectionRule, e *model.Event) (Result, error) {
	if !HasSecurityKeyword(e.Message) {
		return Result{}, nil
	}
	window := minutes(rule.Param("window_minutes", 5))
	threshold := rule.Param("cluster_threshold", 5)
	if threshold <= 0 {
		return Result{}, fmt.Errorf("rule %s: cluster threshold must be positive", rule.ID)
	}

	count, err := s.store.QueryRecentEventCount(ctx, storage.EventFilter{Keywords: SecurityKeywords}, window)
	if err != nil {
		return Result{}, err
	}
	if float64(count) < threshold {
		return Result{}, nil
	}
	return Result{
		IsAnomaly:   true,
		Confidence:  math.Min(0.95, rule.ConfidenceThreshold*float64(count)/threshold),
		Description: fmt.Sprintf("%d security-related events in %s", count, window),
	}, nil
}
