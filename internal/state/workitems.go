package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/steward/pkg/models"
)

const workItemColumns = `id, description, status, depends_on, priority, agent, action, context,
	created_at, updated_at, completed_at, error`

// SaveWorkItem inserts or replaces a work item.
func (db *DB) SaveWorkItem(ctx context.Context, item *models.WorkItem) error {
	return db.SaveWorkItems(ctx, []*models.WorkItem{item})
}

// SaveWorkItems inserts or replaces items in a single transaction.
func (db *DB) SaveWorkItems(ctx context.Context, items []*models.WorkItem) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO work_items (`+workItemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				description = excluded.description,
				status = excluded.status,
				depends_on = excluded.depends_on,
				priority = excluded.priority,
				agent = excluded.agent,
				action = excluded.action,
				context = excluded.context,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at,
				error = excluded.error
		`)
		if err != nil {
			return fmt.Errorf("prepare save work item: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			deps, err := json.Marshal(nonNil(item.DependsOn))
			if err != nil {
				return fmt.Errorf("encode depends_on for %s: %w", item.ID, err)
			}
			actx, err := json.Marshal(item.Context)
			if err != nil {
				return fmt.Errorf("encode context for %s: %w", item.ID, err)
			}
			updated := item.UpdatedAt
			if updated.IsZero() {
				updated = item.CreatedAt
			}
			_, err = stmt.ExecContext(ctx,
				item.ID, item.Description, string(item.Status), string(deps), item.Priority,
				item.Agent, item.Action, string(actx),
				formatTime(item.CreatedAt), formatTime(updated), formatNullableTime(item.CompletedAt), item.Error)
			if err != nil {
				return fmt.Errorf("save work item %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

// GetWorkItem retrieves a work item by ID. Returns nil if it does not exist.
func (db *DB) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	rows, err := db.Query(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	items, err := scanWorkItems(rows)
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// LoadWorkItems returns the stored items with the given IDs. Unknown IDs are skipped.
func (db *DB) LoadWorkItems(ctx context.Context, ids []string) ([]*models.WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("load work items: %w", err)
	}
	items, err := scanWorkItems(rows)
	if err != nil {
		return nil, fmt.Errorf("load work items: %w", err)
	}
	return items, nil
}

// QueryWorkItems returns items in any of the given statuses, oldest first.
// With no statuses every item is returned.
func (db *DB) QueryWorkItems(ctx context.Context, statuses ...models.WorkItemStatus) ([]*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	items, err := scanWorkItems(rows)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	return items, nil
}

// RequeueInterrupted moves items left running by a previous process back to
// ready and returns their IDs.
func (db *DB) RequeueInterrupted(ctx context.Context) ([]string, error) {
	running, err := db.QueryWorkItems(ctx, models.WorkItemStatusRunning)
	if err != nil {
		return nil, err
	}
	if len(running) == 0 {
		return nil, nil
	}
	now := db.now()
	ids := make([]string, len(running))
	for i, item := range running {
		item.Status = models.WorkItemStatusReady
		item.UpdatedAt = now
		ids[i] = item.ID
	}
	if err := db.SaveWorkItems(ctx, running); err != nil {
		return nil, fmt.Errorf("requeue interrupted: %w", err)
	}
	return ids, nil
}

// DeleteWorkItem deletes a work item by ID.
func (db *DB) DeleteWorkItem(ctx context.Context, id string) error {
	if _, err := db.Exec(ctx, "DELETE FROM work_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	return nil
}

func scanWorkItems(rows *sql.Rows) ([]*models.WorkItem, error) {
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		var item models.WorkItem
		var status, deps, actx, createdAt, updatedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&item.ID, &item.Description, &status, &deps, &item.Priority,
			&item.Agent, &item.Action, &actx, &createdAt, &updatedAt, &completedAt, &item.Error); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		item.Status = models.WorkItemStatus(status)
		if err := json.Unmarshal([]byte(deps), &item.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for %s: %w", item.ID, err)
		}
		if len(item.DependsOn) == 0 {
			item.DependsOn = nil
		}
		if err := json.Unmarshal([]byte(actx), &item.Context); err != nil {
			return nil, fmt.Errorf("decode context for %s: %w", item.ID, err)
		}
		item.CreatedAt, _ = parseTime(createdAt)
		item.UpdatedAt, _ = parseTime(updatedAt)
		item.CompletedAt = parseNullableTime(completedAt)
		items = append(items, &item)
	}
	return items, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
