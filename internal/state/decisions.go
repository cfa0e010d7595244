package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// AppendDecision adds a decision to the audit log. Decisions are never updated.
func (db *DB) AppendDecision(ctx context.Context, d models.ExecutionDecision) error {
	components, err := json.Marshal(d.Components)
	if err != nil {
		return fmt.Errorf("encode components: %w", err)
	}
	overrides, err := json.Marshal(nonNil(d.OverridesApplied))
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO decisions (item_id, agent, action, mode, confidence, components, overrides, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ItemID, d.Agent, d.Action, string(d.Mode), d.Confidence, string(components), string(overrides),
		formatTime(d.DecidedAt))
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// ListDecisions returns decisions in the order they were made. An empty itemID
// lists decisions for every item; limit <= 0 means no limit.
func (db *DB) ListDecisions(ctx context.Context, itemID string, limit int) ([]models.ExecutionDecision, error) {
	query := `SELECT item_id, agent, action, mode, confidence, components, overrides, decided_at FROM decisions`
	var args []any
	if itemID != "" {
		query += ` WHERE item_id = ?`
		args = append(args, itemID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionDecision
	for rows.Next() {
		var d models.ExecutionDecision
		var mode, components, overrides, decidedAt string
		if err := rows.Scan(&d.ItemID, &d.Agent, &d.Action, &mode, &d.Confidence,
			&components, &overrides, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Mode = models.ExecutionMode(mode)
		if err := json.Unmarshal([]byte(components), &d.Components); err != nil {
			return nil, fmt.Errorf("decode components: %w", err)
		}
		if err := json.Unmarshal([]byte(overrides), &d.OverridesApplied); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
		if len(d.OverridesApplied) == 0 {
			d.OverridesApplied = nil
		}
		d.DecidedAt, _ = parseTime(decidedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}
