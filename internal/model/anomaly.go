package model

import "time"

// AnomalyType identifies an anomaly detection rule type
type AnomalyType string

const (
	AnomalyFrequencySpike  AnomalyType = "frequency_spike"
	AnomalySourceAnomaly   AnomalyType = "source_anomaly"
	AnomalyContentAnomaly  AnomalyType = "content_anomaly"
	AnomalyTemporalAnomaly AnomalyType = "temporal_anomaly"
	AnomalySecurityCluster AnomalyType = "security_cluster"
)

// AnomalyDetectionRule configures one detector
type AnomalyDetectionRule struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	RuleType            AnomalyType        `json:"rule_type"`
	Parameters          map[string]float64 `json:"parameters"`
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	Enabled             bool               `json:"enabled"`
	UsageCount          int                `json:"usage_count"`
	AccuracyRating      float64            `json:"accuracy_rating"`
}

// Param returns the named parameter or def when unset
func (r *AnomalyDetectionRule) Param(name string, def float64) float64 {
	if v, ok := r.Parameters[name]; ok {
		return v
	}
	return def
}

// AnomalyDetection is a persisted anomaly record
type AnomalyDetection struct {
	ID              string             `json:"id"`
	Timestamp       time.Time          `json:"timestamp"`
	SourceEventID   string             `json:"source_event_id"`
	RuleID          string             `json:"rule_id"`
	AnomalyType     AnomalyType        `json:"anomaly_type"`
	Severity        AlertSeverity      `json:"severity"`
	ConfidenceScore float64            `json:"confidence_score"`
	Description     string             `json:"description"`
	Features        map[string]float64 `json:"features,omitempty"`
	Resolved        bool               `json:"resolved"`
	FalsePositive   bool               `json:"false_positive"`
}

// SeverityForConfidence maps a confidence score to an anomaly severity
func SeverityForConfidence(confidence float64) AlertSeverity {
	switch {
	case confidence >= 0.9:
		return AlertSeverityCritical
	case confidence >= 0.8:
		return AlertSeverityHigh
	case confidence >= 0.6:
		return AlertSeverityMedium
	default:
		return AlertSeverityLow
	}
}

// EventSeverityFor maps an anomaly severity onto the event severity scale
func EventSeverityFor(s AlertSeverity) EventSeverity {
	switch s {
	case AlertSeverityCritical:
		return EventSeverityCritical
	case AlertSeverityHigh:
		return EventSeverityError
	case AlertSeverityMedium:
		return EventSeverityWarning
	default:
		return EventSeverityInfo
	}
}

// AnomalyStats is the aggregate view over anomaly detections
type AnomalyStats struct {
	Total             int                 `json:"total"`
	ByType            map[AnomalyType]int `json:"by_type"`
	Resolved          int                 `json:"resolved"`
	FalsePositives    int                 `json:"false_positives"`
	FalsePositiveRate float64             `json:"false_positive_rate"`
	AverageConfidence float64             `json:"average_confidence"`
}

// BaselinePatternType identifies the dimension a baseline tracks
type BaselinePatternType string

const (
	BaselineSource BaselinePatternType = "source"
	BaselineHourly BaselinePatternType = "hourly"
)

// BaselinePattern is the learned normal frequency for a dimension
type BaselinePattern struct {
	PatternType     BaselinePatternType `json:"pattern_type"`
	Signature       string              `json:"signature"`
	FrequencyNormal float64             `json:"frequency_normal"`
	LastSeen        time.Time           `json:"last_seen"`
	OccurrenceCount int                 `json:"occurrence_count"`
	IsBaseline      bool                `json:"is_baseline"`
}

// FeatureStats summarizes one feature within one class
type FeatureStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ClassStats holds the per-class statistics of one feature
type ClassStats struct {
	Anomaly FeatureStats `json:"anomaly"`
	Normal  FeatureStats `json:"normal"`
}

// StatisticalModel is a trained per-feature midpoint classifier
type StatisticalModel struct {
	ID               string                `json:"id,omitempty"`
	Name             string                `json:"name"`
	FeatureStats     map[string]ClassStats `json:"feature_stats"`
	Thresholds       map[string]float64    `json:"thresholds"`
	AccuracyScore    float64               `json:"accuracy_score"`
	TrainingDate     time.Time             `json:"training_date"`
	IsActive         bool                  `json:"is_active"`
	PositiveExamples int                   `json:"positive_examples"`
	NegativeExamples int                   `json:"negative_examples"`
}
