package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
)

// LoadAnomalyRules implements Store.LoadAnomalyRules
func (s *SQLStore) LoadAnomalyRules(ctx context.Context) ([]*model.AnomalyDetectionRule, error) {
	rows, err := s.query(ctx, `SELECT id, name, rule_type, parameters, confidence_threshold,
		enabled, usage_count, accuracy_rating FROM anomaly_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load anomaly rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.AnomalyDetectionRule
	for rows.Next() {
		var (
			rule    model.AnomalyDetectionRule
			params  sql.NullString
			enabled int
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.RuleType, &params, &rule.ConfidenceThreshold,
			&enabled, &rule.UsageCount, &rule.AccuracyRating); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly rule: %w", err)
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &rule.Parameters); err != nil {
				s.logger.Warn("Skipping anomaly rule with malformed parameters",
					zap.String("rule_id", rule.ID), zap.Error(err))
				continue
			}
		}
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

// SaveAnomalyRule implements Store.SaveAnomalyRule as an upsert
func (s *SQLStore) SaveAnomalyRule(ctx context.Context, rule *model.AnomalyDetectionRule) error {
	params, err := json.Marshal(rule.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly rule parameters: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO anomaly_rules (
			id, name, rule_type, parameters, confidence_threshold, enabled, usage_count, accuracy_rating
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			rule_type = excluded.rule_type,
			parameters = excluded.parameters,
			confidence_threshold = excluded.confidence_threshold,
			enabled = excluded.enabled,
			accuracy_rating = excluded.accuracy_rating`,
		rule.ID, rule.Name, string(rule.RuleType), string(params), rule.ConfidenceThreshold,
		boolInt(rule.Enabled), rule.UsageCount, rule.AccuracyRating,
	)
	if err != nil {
		return fmt.Errorf("failed to save anomaly rule: %w", err)
	}
	return nil
}

// IncrementAnomalyRuleUsage implements Store.IncrementAnomalyRuleUsage
func (s *SQLStore) IncrementAnomalyRuleUsage(ctx context.Context, ruleID string) error {
	res, err := s.exec(ctx, "UPDATE anomaly_rules SET usage_count = usage_count + 1 WHERE id = ?", ruleID)
	if err != nil {
		return fmt.Errorf("failed to increment anomaly rule usage: %w", err)
	}
	return mustAffect(res, "anomaly rule", ruleID)
}

// SaveAnomalyDetection implements Store.SaveAnomalyDetection
func (s *SQLStore) SaveAnomalyDetection(ctx context.Context, d *model.AnomalyDetection) error {
	var features sql.NullString
	if len(d.Features) > 0 {
		data, err := json.Marshal(d.Features)
		if err != nil {
			return fmt.Errorf("failed to marshal anomaly features: %w", err)
		}
		features = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.exec(ctx, `
		INSERT INTO anomaly_detections (
			id, ts, source_event_id, rule_id, anomaly_type, severity, confidence,
			description, features, resolved, false_positive
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, toMillis(d.Timestamp), d.SourceEventID, d.RuleID, string(d.AnomalyType),
		string(d.Severity), d.ConfidenceScore, d.Description, features,
		boolInt(d.Resolved), boolInt(d.FalsePositive),
	)
	if err != nil {
		return fmt.Errorf("failed to store anomaly detection: %w", err)
	}
	return nil
}

// UpdateAnomalyDetection implements Store.UpdateAnomalyDetection
func (s *SQLStore) UpdateAnomalyDetection(ctx context.Context, id string, resolved, falsePositive bool) error {
	res, err := s.exec(ctx,
		"UPDATE anomaly_detections SET resolved = ?, false_positive = ? WHERE id = ?",
		boolInt(resolved), boolInt(falsePositive), id)
	if err != nil {
		return fmt.Errorf("failed to update anomaly detection: %w", err)
	}
	return mustAffect(res, "anomaly detection", id)
}

// AnomalyStats implements Store.AnomalyStats over detections since the given time
func (s *SQLStore) AnomalyStats(ctx context.Context, since time.Time) (*model.AnomalyStats, error) {
	rows, err := s.query(ctx,
		"SELECT anomaly_type, confidence, resolved, false_positive FROM anomaly_detections WHERE ts >= ?",
		toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query anomaly stats: %w", err)
	}
	defer rows.Close()

	stats := &model.AnomalyStats{ByType: make(map[model.AnomalyType]int)}
	var confidenceSum float64
	for rows.Next() {
		var (
			typ                     model.AnomalyType
			confidence              float64
			resolved, falsePositive int
		)
		if err := rows.Scan(&typ, &confidence, &resolved, &falsePositive); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly stats: %w", err)
		}
		stats.Total++
		stats.ByType[typ]++
		confidenceSum += confidence
		if resolved == 1 {
			stats.Resolved++
		}
		if falsePositive == 1 {
			stats.FalsePositives++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if stats.Total > 0 {
		stats.FalsePositiveRate = float64(stats.FalsePositives) / float64(stats.Total)
		stats.AverageConfidence = confidenceSum / float64(stats.Total)
	}
	return stats, nil
}

// LoadBaselinePatterns implements Store.LoadBaselinePatterns
func (s *SQLStore) LoadBaselinePatterns(ctx context.Context) ([]*model.BaselinePattern, error) {
	rows, err := s.query(ctx, `SELECT pattern_type, signature, frequency_normal, last_seen,
		occurrence_count, is_baseline FROM baseline_patterns ORDER BY pattern_type, signature`)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*model.BaselinePattern
	for rows.Next() {
		var (
			p          model.BaselinePattern
			lastSeen   int64
			isBaseline int
		)
		if err := rows.Scan(&p.PatternType, &p.Signature, &p.FrequencyNormal, &lastSeen,
			&p.OccurrenceCount, &isBaseline); err != nil {
			return nil, fmt.Errorf("failed to scan baseline pattern: %w", err)
		}
		p.LastSeen = fromMillis(lastSeen)
		p.IsBaseline = isBaseline == 1
		patterns = append(patterns, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return patterns, nil
}

// UpsertBaselinePattern implements Store.UpsertBaselinePattern
func (s *SQLStore) UpsertBaselinePattern(ctx context.Context, p *model.BaselinePattern) error {
	_, err := s.exec(ctx, `
		INSERT INTO baseline_patterns (
			pattern_type, signature, frequency_normal, last_seen, occurrence_count, is_baseline
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pattern_type, signature) DO UPDATE SET
			frequency_normal = excluded.frequency_normal,
			last_seen = excluded.last_seen,
			occurrence_count = excluded.occurrence_count,
			is_baseline = excluded.is_baseline`,
		string(p.PatternType), p.Signature, p.FrequencyNormal, toMillis(p.LastSeen),
		p.OccurrenceCount, boolInt(p.IsBaseline),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline pattern: %w", err)
	}
	return nil
}

// StoreModel deactivates the active model of the same name and stores m as
// the new active model. Superseded models are kept.
func (s *SQLStore) StoreModel(ctx context.Context, m *model.StatisticalModel) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.IsActive = true
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		"UPDATE statistical_models SET is_active = 0 WHERE name = ? AND is_active = 1"), m.Name); err != nil {
		return fmt.Errorf("failed to deactivate previous model: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO statistical_models (id, name, data, accuracy, training_date, is_active)
		VALUES (?, ?, ?, ?, ?, 1)`),
		m.ID, m.Name, string(data), m.AccuracyScore, toMillis(m.TrainingDate)); err != nil {
		return fmt.Errorf("failed to store model: %w", err)
	}
	return tx.Commit()
}

// ActiveModel returns the active model with the given name
func (s *SQLStore) ActiveModel(ctx context.Context, name string) (*model.StatisticalModel, error) {
	var data string
	err := s.queryRow(ctx,
		"SELECT data FROM statistical_models WHERE name = ? AND is_active = 1", name).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("model %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	var m model.StatisticalModel
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	m.IsActive = true
	return &m, nil
}
