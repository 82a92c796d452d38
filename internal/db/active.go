package db

import (
	"context"
	"time"
)

// activeKey is the only row active_run_state ever holds.
const activeKey = "active"

// PutActiveRunState writes the snapshot of the run in flight, replacing
// any previous snapshot.
func (db *DB) PutActiveRunState(ctx context.Context, s *ActiveRunState) error {
	query := `
		INSERT INTO active_run_state (state_key, run_id, target_count, stage, message, progress, updated_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE SET
			run_id = excluded.run_id,
			target_count = excluded.target_count,
			stage = excluded.stage,
			message = excluded.message,
			progress = excluded.progress,
			updated_at = excluded.updated_at,
			heartbeat_at = excluded.heartbeat_at
	`

	_, err := db.exec(ctx, query,
		activeKey,
		s.RunID,
		s.TargetCount,
		s.Stage,
		s.Message,
		s.Progress,
		s.UpdatedAt,
		s.HeartbeatAt,
	)
	return err
}

// TouchActiveRunState refreshes the heartbeat of the stored snapshot
func (db *DB) TouchActiveRunState(ctx context.Context, at time.Time) error {
	result, err := db.exec(ctx,
		`UPDATE active_run_state SET heartbeat_at = ? WHERE state_key = ?`,
		at, activeKey)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// GetActiveRunState returns the stored snapshot or ErrNotFound when idle
func (db *DB) GetActiveRunState(ctx context.Context) (*ActiveRunState, error) {
	query := `
		SELECT run_id, target_count, stage, message, progress, updated_at, heartbeat_at
		FROM active_run_state
		WHERE state_key = ?
	`

	s := &ActiveRunState{}
	err := db.queryRow(ctx, query, activeKey).Scan(
		&s.RunID,
		&s.TargetCount,
		&s.Stage,
		&s.Message,
		&s.Progress,
		&s.UpdatedAt,
		&s.HeartbeatAt,
	)
	if IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DeleteActiveRunState clears the snapshot. Clearing an empty store is not an error.
func (db *DB) DeleteActiveRunState(ctx context.Context) error {
	_, err := db.exec(ctx, `DELETE FROM active_run_state WHERE state_key = ?`, activeKey)
	return err
}
