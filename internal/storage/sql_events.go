package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/t77yq/alertd/internal/model"
)

const (
	// historyLookback and historySkip bound the historical comparison range:
	// the trailing seven days excluding the most recent one.
	historyLookback = 7 * 24 * time.Hour
	historySkip     = 24 * time.Hour

	eventColumns = "id, ts, severity, category, event_type, source, device, message, metadata"
)

// SaveEvent implements Store.SaveEvent. Saving an event id twice is a no-op.
func (s *SQLStore) SaveEvent(ctx context.Context, event *model.Event) error {
	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	ts := event.Timestamp.UTC()
	_, err := s.exec(ctx, `
		INSERT INTO events (id, ts, hour_of_day, severity, category, event_type, source, device, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, toMillis(ts), ts.Hour(), string(event.Severity), event.Category, event.EventType,
		event.Source, event.Device, event.Message, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

func (s *SQLStore) eventWhere(filter EventFilter, from, to time.Time) (string, []interface{}) {
	where := []string{"ts >= ?", "ts <= ?"}
	args := []interface{}{toMillis(from), toMillis(to)}

	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.HourOfDay != nil {
		where = append(where, "hour_of_day = ?")
		args = append(args, *filter.HourOfDay)
	}
	if len(filter.Keywords) > 0 {
		var ors []string
		for _, kw := range filter.Keywords {
			ors = append(ors, "LOWER(message) LIKE ?")
			args = append(args, "%"+strings.ToLower(kw)+"%")
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(where, " AND "), args
}

// QueryRecentEventCount counts events matching filter within the trailing window
func (s *SQLStore) QueryRecentEventCount(ctx context.Context, filter EventFilter, window time.Duration) (int, error) {
	now := s.now()
	where, args := s.eventWhere(filter, now.Add(-window), now)

	var count int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM events WHERE "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent events: %w", err)
	}
	return count, nil
}

// QueryHistoricalAverage returns the average number of matching events per
// window over the trailing seven days, excluding the most recent day. When
// filter.HourOfDay is set, only that hour of each day contributes, so the
// average is per day instead of per window.
func (s *SQLStore) QueryHistoricalAverage(ctx context.Context, filter EventFilter, window time.Duration) (float64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}
	now := s.now()
	from, to := now.Add(-historyLookback), now.Add(-historySkip)
	where, args := s.eventWhere(filter, from, to)

	var count int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM events WHERE "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to query historical events: %w", err)
	}

	span := to.Sub(from)
	if filter.HourOfDay != nil {
		return float64(count) / math.Round(span.Hours()/24), nil
	}
	return float64(count) / (float64(span) / float64(window)), nil
}

// RecentMessages returns up to limit of the most recent event messages,
// skipping excludeEventID.
func (s *SQLStore) RecentMessages(ctx context.Context, excludeEventID string, limit int) ([]string, error) {
	rows, err := s.query(ctx,
		"SELECT message FROM events WHERE id <> ? ORDER BY ts DESC, id LIMIT ?",
		excludeEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	var messages []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return messages, nil
}

// SourceHourlyRates returns events per hour for each source since the given time
func (s *SQLStore) SourceHourlyRates(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := s.query(ctx,
		"SELECT source, COUNT(*) FROM events WHERE ts >= ? AND source <> '' GROUP BY source",
		toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query source rates: %w", err)
	}
	defer rows.Close()

	hours := s.now().Sub(since).Hours()
	if hours < 1 {
		hours = 1
	}
	rates := make(map[string]float64)
	for rows.Next() {
		var (
			source string
			count  int
		)
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("failed to scan source rate: %w", err)
		}
		rates[source] = float64(count) / hours
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rates, nil
}

// HourOfDayAverages returns the average event count for each hour of the day
// since the given time.
func (s *SQLStore) HourOfDayAverages(ctx context.Context, since time.Time) (map[int]float64, error) {
	rows, err := s.query(ctx,
		"SELECT hour_of_day, COUNT(*) FROM events WHERE ts >= ? GROUP BY hour_of_day",
		toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly averages: %w", err)
	}
	defer rows.Close()

	days := math.Ceil(s.now().Sub(since).Hours() / 24)
	if days < 1 {
		days = 1
	}
	averages := make(map[int]float64)
	for rows.Next() {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("failed to scan hourly average: %w", err)
		}
		averages[hour] = float64(count) / days
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return averages, nil
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		event                               model.Event
		ts                                  int64
		metadata                            sql.NullString
		category, eventType, source, device sql.NullString
	)
	if err := row.Scan(&event.ID, &ts, &event.Severity, &category, &eventType, &source, &device,
		&event.Message, &metadata); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	event.Timestamp = fromMillis(ts)
	event.Category = category.String
	event.EventType = eventType.String
	event.Source = source.String
	event.Device = device.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
	}
	return &event, nil
}

func (s *SQLStore) trainingExamples(ctx context.Context, anomaly bool, query string, args ...interface{}) ([]TrainingExample, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query training examples: %w", err)
	}
	defer rows.Close()

	var examples []TrainingExample
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		examples = append(examples, TrainingExample{Event: *event, Anomaly: anomaly})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return examples, nil
}

// TrainingPositives returns the source events of confirmed (non false-positive) anomalies
func (s *SQLStore) TrainingPositives(ctx context.Context) ([]TrainingExample, error) {
	return s.trainingExamples(ctx, true, `SELECT `+eventColumns+` FROM events
		WHERE id IN (SELECT source_event_id FROM anomaly_detections WHERE false_positive = 0)
		ORDER BY ts`)
}

// TrainingNegatives returns a random sample of events with no anomaly detection
func (s *SQLStore) TrainingNegatives(ctx context.Context, limit int) ([]TrainingExample, error) {
	return s.trainingExamples(ctx, false, `SELECT `+eventColumns+` FROM events
		WHERE id NOT IN (SELECT source_event_id FROM anomaly_detections)
		ORDER BY RANDOM() LIMIT ?`, limit)
}
