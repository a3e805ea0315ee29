package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rockfall-ai/risk-engine/internal/rules"
)

// CreateRule inserts a new alert rule and fills in its assigned ID.
func (db *DB) CreateRule(ctx context.Context, rule *rules.AlertRule) error {
	tiers, err := json.Marshal(rule.Tiers)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation tiers: %w", err)
	}

	query := `
		INSERT INTO alert_rules (
			location_id, channel, threshold, recipients,
			debounce_window_seconds, escalation_tiers, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	return db.QueryRowContext(ctx, query,
		rule.LocationID,
		rule.Channel,
		rule.Threshold,
		pq.Array(rule.Recipients),
		int64(rule.DebounceWindow.Seconds()),
		string(tiers),
		rule.Active,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// UpdateRule replaces an existing rule's configuration.
func (db *DB) UpdateRule(ctx context.Context, rule *rules.AlertRule) error {
	tiers, err := json.Marshal(rule.Tiers)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation tiers: %w", err)
	}

	query := `
		UPDATE alert_rules
		SET location_id = $1, channel = $2, threshold = $3, recipients = $4,
		    debounce_window_seconds = $5, escalation_tiers = $6, is_active = $7,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $8
	`

	res, err := db.ExecContext(ctx, query,
		rule.LocationID,
		rule.Channel,
		rule.Threshold,
		pq.Array(rule.Recipients),
		int64(rule.DebounceWindow.Seconds()),
		string(tiers),
		rule.Active,
		rule.ID,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteRule removes a rule. History rows referencing it are unaffected.
func (db *DB) DeleteRule(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetRule retrieves a rule by ID. Returns nil when no such rule exists.
func (db *DB) GetRule(ctx context.Context, id int64) (*rules.AlertRule, error) {
	query := ruleSelect + ` WHERE id = $1`

	rule, err := scanRule(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns all rules, optionally filtered to one location.
func (db *DB) ListRules(ctx context.Context, locationID string) ([]rules.AlertRule, error) {
	query := ruleSelect
	args := []interface{}{}
	if locationID != "" {
		query += ` WHERE location_id = $1`
		args = append(args, locationID)
	}
	query += ` ORDER BY location_id, channel`

	return db.queryRules(ctx, query, args...)
}

// ActiveRules implements rules.Source for the engine's cached provider.
func (db *DB) ActiveRules(ctx context.Context, locationID string) ([]rules.AlertRule, error) {
	query := ruleSelect + ` WHERE location_id = $1 AND is_active = true ORDER BY channel`
	return db.queryRules(ctx, query, locationID)
}

const ruleSelect = `
	SELECT id, location_id, channel, threshold, recipients,
	       debounce_window_seconds, escalation_tiers, is_active,
	       created_at, updated_at
	FROM alert_rules`

func (db *DB) queryRules(ctx context.Context, query string, args ...interface{}) ([]rules.AlertRule, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rules.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*rules.AlertRule, error) {
	var (
		rule           rules.AlertRule
		recipients     pq.StringArray
		debounceSecs   int64
		tiersJSON      string
	)

	if err := row.Scan(
		&rule.ID,
		&rule.LocationID,
		&rule.Channel,
		&rule.Threshold,
		&recipients,
		&debounceSecs,
		&tiersJSON,
		&rule.Active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Recipients = []string(recipients)
	rule.DebounceWindow = time.Duration(debounceSecs) * time.Second
	if err := json.Unmarshal([]byte(tiersJSON), &rule.Tiers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escalation tiers: %w", err)
	}

	return &rule, nil
}
