package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/alertd/internal/model"
)

const alertColumns = `id, rule_id, rule_name, severity, status, triggered_at, acknowledged_at,
	resolved_at, event, notification_results, escalation_level`

// SaveAlert implements Store.SaveAlert
func (s *SQLStore) SaveAlert(ctx context.Context, alert *model.Alert) error {
	event, err := json.Marshal(alert.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	results, err := json.Marshal(alert.NotificationResults)
	if err != nil {
		return fmt.Errorf("failed to marshal notification results: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.RuleID, alert.RuleName, string(alert.Severity), string(alert.Status),
		toMillis(alert.TriggeredAt), nullMillis(alert.AcknowledgedAt), nullMillis(alert.ResolvedAt),
		string(event), string(results), alert.EscalationLevel,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// GetAlert implements Store.GetAlert
func (s *SQLStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.queryRow(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	alert, err := scanAlert(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return alert, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	var (
		alert        model.Alert
		triggeredAt  int64
		ackAt, resAt sql.NullInt64
		event        string
		results      sql.NullString
	)
	if err := row.Scan(&alert.ID, &alert.RuleID, &alert.RuleName, &alert.Severity, &alert.Status,
		&triggeredAt, &ackAt, &resAt, &event, &results, &alert.EscalationLevel); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	alert.TriggeredAt = fromMillis(triggeredAt)
	alert.AcknowledgedAt = timePtr(ackAt)
	alert.ResolvedAt = timePtr(resAt)
	if err := json.Unmarshal([]byte(event), &alert.Event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert event: %w", err)
	}
	if results.Valid && results.String != "" && results.String != "null" {
		if err := json.Unmarshal([]byte(results.String), &alert.NotificationResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification results: %w", err)
		}
	}
	return &alert, nil
}

// UpdateAlertResults merges results into the alert's notification results and
// records the escalation level reached.
func (s *SQLStore) UpdateAlertResults(ctx context.Context, alertID string, results map[string]model.NotificationResult, escalationLevel int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx, s.rebind("SELECT notification_results FROM alerts WHERE id = ?"), alertID).Scan(&current)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
		return fmt.Errorf("failed to read notification results: %w", err)
	}

	merged := make(map[string]model.NotificationResult)
	if current.Valid && current.String != "" && current.String != "null" {
		if err := json.Unmarshal([]byte(current.String), &merged); err != nil {
			return fmt.Errorf("failed to unmarshal notification results: %w", err)
		}
	}
	for k, v := range results {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal notification results: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		"UPDATE alerts SET notification_results = ?, escalation_level = ? WHERE id = ?"),
		string(data), escalationLevel, alertID); err != nil {
		return fmt.Errorf("failed to update alert results: %w", err)
	}
	return tx.Commit()
}

// UpdateAlertStatus implements Store.UpdateAlertStatus
func (s *SQLStore) UpdateAlertStatus(ctx context.Context, alertID string, status model.AlertStatus, at time.Time) error {
	query := "UPDATE alerts SET status = ? WHERE id = ?"
	switch status {
	case model.AlertStatusAcknowledged:
		query = "UPDATE alerts SET status = ?, acknowledged_at = ? WHERE id = ?"
	case model.AlertStatusResolved:
		query = "UPDATE alerts SET status = ?, resolved_at = ? WHERE id = ?"
	}

	var res sql.Result
	var err error
	if status == model.AlertStatusTriggered {
		res, err = s.exec(ctx, query, string(status), alertID)
	} else {
		res, err = s.exec(ctx, query, string(status), toMillis(at), alertID)
	}
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	return mustAffect(res, "alert", alertID)
}

// ListAlerts implements Store.ListAlerts, newest first
func (s *SQLStore) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Severity) > 0 {
		where = append(where, "severity IN ("+placeholders(len(filter.Severity))+")")
		for _, sev := range filter.Severity {
			args = append(args, string(sev))
		}
	}
	if len(filter.Status) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Status))+")")
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.From != nil {
		where = append(where, "triggered_at >= ?")
		args = append(args, toMillis(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "triggered_at <= ?")
		args = append(args, toMillis(*filter.To))
	}

	query := "SELECT " + alertColumns + " FROM alerts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY triggered_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

// AlertStats implements Store.AlertStats. since bounds the Last24h-style
// recent counter.
func (s *SQLStore) AlertStats(ctx context.Context, since time.Time) (*model.AlertStats, error) {
	stats := &model.AlertStats{
		BySeverity: make(map[model.AlertSeverity]int),
		ByStatus:   make(map[model.AlertStatus]int),
		ByRule:     make(map[string]int),
	}

	rows, err := s.query(ctx, "SELECT severity, status, rule_id, triggered_at FROM alerts")
	if err != nil {
		return nil, fmt.Errorf("failed to query alert stats: %w", err)
	}
	defer rows.Close()

	cutoff := toMillis(since)
	for rows.Next() {
		var (
			sev    model.AlertSeverity
			status model.AlertStatus
			ruleID string
			ts     int64
		)
		if err := rows.Scan(&sev, &status, &ruleID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan alert stats: %w", err)
		}
		stats.Total++
		stats.BySeverity[sev]++
		stats.ByStatus[status]++
		stats.ByRule[ruleID]++
		if ts >= cutoff {
			stats.Last24h++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return stats, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
