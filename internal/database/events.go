package database

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// InsertAlertEvent appends one alert event to the ledger.
func (db *DB) InsertAlertEvent(ctx context.Context, event *AlertEvent) error {
	query := `
		INSERT INTO alert_events (
			event_id, location_id, channel, tier, recipients, risk_class,
			probability, contributing_features, outcome, detail,
			sent_count, failed_count, first_triggered_at, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at
	`

	return db.QueryRowContext(ctx, query,
		event.EventID,
		event.LocationID,
		event.Channel,
		event.Tier,
		pq.Array(event.Recipients),
		event.RiskClass,
		event.Probability,
		event.Features,
		event.Outcome,
		event.Detail,
		event.SentCount,
		event.FailedCount,
		event.FirstTriggeredAt,
		event.TriggeredAt,
	).Scan(&event.CreatedAt)
}

// InsertNotificationAttempt appends one send attempt.
func (db *DB) InsertNotificationAttempt(ctx context.Context, attempt *NotificationAttempt) error {
	query := `
		INSERT INTO notification_attempts (
			event_id, channel, recipient, attempt, result, error_detail, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	return db.QueryRowContext(ctx, query,
		attempt.EventID,
		attempt.Channel,
		attempt.Recipient,
		attempt.Attempt,
		attempt.Result,
		attempt.ErrorDetail,
		attempt.AttemptedAt,
	).Scan(&attempt.ID)
}

// ListEvents returns events matching the filter, newest first.
func (db *DB) ListEvents(ctx context.Context, filter EventFilter) ([]AlertEvent, error) {
	query := `
		SELECT event_id, location_id, channel, tier, recipients, risk_class,
		       probability, contributing_features, outcome, detail,
		       sent_count, failed_count, first_triggered_at, triggered_at, created_at
		FROM alert_events
		WHERE 1=1`

	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.LocationID != "" {
		query += ` AND location_id = ` + arg(filter.LocationID)
	}
	if filter.Channel != "" {
		query += ` AND channel = ` + arg(filter.Channel)
	}
	if filter.RiskClass != "" {
		query += ` AND risk_class = ` + arg(filter.RiskClass)
	}
	if !filter.From.IsZero() {
		query += ` AND triggered_at >= ` + arg(filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND triggered_at < ` + arg(filter.To)
	}

	query += ` ORDER BY triggered_at DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AlertEvent
	for rows.Next() {
		var (
			e          AlertEvent
			recipients pq.StringArray
		)
		if err := rows.Scan(
			&e.EventID,
			&e.LocationID,
			&e.Channel,
			&e.Tier,
			&recipients,
			&e.RiskClass,
			&e.Probability,
			&e.Features,
			&e.Outcome,
			&e.Detail,
			&e.SentCount,
			&e.FailedCount,
			&e.FirstTriggeredAt,
			&e.TriggeredAt,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Recipients = []string(recipients)
		events = append(events, e)
	}

	return events, rows.Err()
}

// ListAttempts returns every send attempt recorded for one event, in order.
func (db *DB) ListAttempts(ctx context.Context, eventID string) ([]NotificationAttempt, error) {
	query := `
		SELECT id, event_id, channel, recipient, attempt, result, error_detail, attempted_at
		FROM notification_attempts
		WHERE event_id = $1
		ORDER BY id
	`

	rows, err := db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []NotificationAttempt
	for rows.Next() {
		var a NotificationAttempt
		if err := rows.Scan(
			&a.ID,
			&a.EventID,
			&a.Channel,
			&a.Recipient,
			&a.Attempt,
			&a.Result,
			&a.ErrorDetail,
			&a.AttemptedAt,
		); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// SummarizeEvents counts events per risk class and outcome over a window.
func (db *DB) SummarizeEvents(ctx context.Context, filter EventFilter) ([]EventSummary, error) {
	query := `
		SELECT risk_class, outcome, COUNT(*)
		FROM alert_events
		WHERE 1=1`

	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.LocationID != "" {
		query += ` AND location_id = ` + arg(filter.LocationID)
	}
	if !filter.From.IsZero() {
		query += ` AND triggered_at >= ` + arg(filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND triggered_at < ` + arg(filter.To)
	}

	query += ` GROUP BY risk_class, outcome ORDER BY risk_class, outcome`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []EventSummary
	for rows.Next() {
		var s EventSummary
		if err := rows.Scan(&s.RiskClass, &s.Outcome, &s.Count); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}
