package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Execution is one recorded action outcome.
type Execution struct {
	Agent      string               `json:"agent"`
	Action     string               `json:"action"`
	Context    models.ActionContext `json:"context"`
	Success    bool                 `json:"success"`
	DurationMs int64                `json:"duration_ms"`
	Mode       models.ExecutionMode `json:"mode"`
	RecordedAt time.Time            `json:"recorded_at"`
}

// RecordExecution appends an action outcome to the history.
func (db *DB) RecordExecution(ctx context.Context, agent, action string, actx models.ActionContext,
	success bool, durationMs int64, mode models.ExecutionMode) error {
	raw, err := json.Marshal(actx)
	if err != nil {
		return fmt.Errorf("encode execution context: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO executions (agent, action, context, success, duration_ms, mode, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent, action, string(raw), success, durationMs, string(mode), formatTime(db.now()))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Outcomes returns outcomes for agent and action recorded at or after since, oldest first.
func (db *DB) Outcomes(ctx context.Context, agent, action string, since time.Time) ([]confidence.Outcome, error) {
	rows, err := db.Query(ctx, `
		SELECT success, recorded_at FROM executions
		WHERE agent = ? AND action = ? AND recorded_at >= ?
		ORDER BY recorded_at
	`, agent, action, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []confidence.Outcome
	for rows.Next() {
		var o confidence.Outcome
		var at string
		if err := rows.Scan(&o.Success, &at); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.At, _ = parseTime(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// LastSuccess returns when agent last succeeded at action.
func (db *DB) LastSuccess(ctx context.Context, agent, action string) (time.Time, bool, error) {
	var at sql.NullString
	err := db.QueryRow(ctx, `
		SELECT MAX(recorded_at) FROM executions
		WHERE agent = ? AND action = ? AND success = 1
	`, agent, action).Scan(&at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last success: %w", err)
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(at.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last success: %w", err)
	}
	return t, true, nil
}

// ListExecutions returns the most recent executions, newest first.
func (db *DB) ListExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(ctx, `
		SELECT agent, action, context, success, duration_ms, mode, recorded_at
		FROM executions ORDER BY recorded_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var raw, mode, at string
		if err := rows.Scan(&e.Agent, &e.Action, &raw, &e.Success, &e.DurationMs, &mode, &at); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Context); err != nil {
			return nil, fmt.Errorf("decode execution context: %w", err)
		}
		e.Mode = models.ExecutionMode(mode)
		e.RecordedAt, _ = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeOldExecutions deletes executions older than the specified duration.
// Returns the number of rows deleted.
func (db *DB) PurgeOldExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(db.now().Add(-olderThan))

	result, err := db.Exec(ctx, `DELETE FROM executions WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old executions: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
