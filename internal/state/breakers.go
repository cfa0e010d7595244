package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/steward/internal/breaker"
)

// SaveBreakerSnapshots replaces the persisted state of the given breakers.
func (db *DB) SaveBreakerSnapshots(ctx context.Context, snaps []breaker.Snapshot) error {
	now := formatTime(db.now())
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, s := range snaps {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO breaker_snapshots (key, state, consecutive_failures, last_failure_at, last_success_at, cooldown_ms, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET
					state = excluded.state,
					consecutive_failures = excluded.consecutive_failures,
					last_failure_at = excluded.last_failure_at,
					last_success_at = excluded.last_success_at,
					cooldown_ms = excluded.cooldown_ms,
					updated_at = excluded.updated_at
			`, s.Key, s.State.String(), s.ConsecutiveFailures,
				formatNullableTime(&s.LastFailureAt), formatNullableTime(&s.LastSuccessAt),
				s.Cooldown.Milliseconds(), now)
			if err != nil {
				return fmt.Errorf("save breaker %s: %w", s.Key, err)
			}
		}
		return nil
	})
}

// ListBreakerSnapshots returns persisted breaker state ordered by key.
func (db *DB) ListBreakerSnapshots(ctx context.Context) ([]breaker.Snapshot, error) {
	rows, err := db.Query(ctx, `
		SELECT key, state, consecutive_failures, last_failure_at, last_success_at, cooldown_ms
		FROM breaker_snapshots ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list breaker snapshots: %w", err)
	}
	defer rows.Close()

	var out []breaker.Snapshot
	for rows.Next() {
		var s breaker.Snapshot
		var st string
		var lastFailure, lastSuccess sql.NullString
		var cooldownMs int64
		if err := rows.Scan(&s.Key, &st, &s.ConsecutiveFailures, &lastFailure, &lastSuccess, &cooldownMs); err != nil {
			return nil, fmt.Errorf("scan breaker snapshot: %w", err)
		}
		if s.State, err = breaker.ParseState(st); err != nil {
			return nil, fmt.Errorf("breaker %s: %w", s.Key, err)
		}
		if t := parseNullableTime(lastFailure); t != nil {
			s.LastFailureAt = *t
		}
		if t := parseNullableTime(lastSuccess); t != nil {
			s.LastSuccessAt = *t
		}
		s.Cooldown = time.Duration(cooldownMs) * time.Millisecond
		out = append(out, s)
	}
	return out, rows.Err()
}
