package db

import (
	"context"
	"time"
)

const searchRunColumns = `id, target_count, found_count, scraped_count, pages_scraped, stage, message, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSearchRun(row rowScanner) (*SearchRun, error) {
	run := &SearchRun{}
	err := row.Scan(
		&run.ID,
		&run.TargetCount,
		&run.FoundCount,
		&run.ScrapedCount,
		&run.PagesScraped,
		&run.Stage,
		&run.Message,
		&run.CreatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CreateSearchRun inserts a new search run record
func (db *DB) CreateSearchRun(ctx context.Context, run *SearchRun) error {
	query := `
		INSERT INTO search_runs (id, target_count, found_count, scraped_count, pages_scraped, stage, message, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.exec(ctx, query,
		run.ID,
		run.TargetCount,
		run.FoundCount,
		run.ScrapedCount,
		run.PagesScraped,
		run.Stage,
		run.Message,
		run.CreatedAt,
		run.CompletedAt,
	)
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetSearchRun retrieves a search run by ID
func (db *DB) GetSearchRun(ctx context.Context, id string) (*SearchRun, error) {
	query := `SELECT ` + searchRunColumns + ` FROM search_runs WHERE id = ?`

	run, err := scanSearchRun(db.queryRow(ctx, query, id))
	if IsNotFound(err) {
		return nil, ErrNotFound
	}
	return run, err
}

// UpdateSearchRunProgress records the counters and stage of an active run
func (db *DB) UpdateSearchRunProgress(ctx context.Context, run *SearchRun) error {
	query := `
		UPDATE search_runs
		SET found_count = ?, scraped_count = ?, pages_scraped = ?, stage = ?, message = ?
		WHERE id = ? AND completed_at IS NULL
	`

	result, err := db.exec(ctx, query,
		run.FoundCount,
		run.ScrapedCount,
		run.PagesScraped,
		run.Stage,
		run.Message,
		run.ID,
	)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// FinishSearchRun marks a run terminal with its final stage and message.
// Finishing an already finished run returns ErrNotFound.
func (db *DB) FinishSearchRun(ctx context.Context, id, stage, message string, completedAt time.Time) error {
	query := `
		UPDATE search_runs
		SET stage = ?, message = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`

	result, err := db.exec(ctx, query, stage, message, completedAt, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// ListSearchRuns returns the most recent runs, newest first
func (db *DB) ListSearchRuns(ctx context.Context, limit int) ([]SearchRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + searchRunColumns + ` FROM search_runs ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := db.query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SearchRun
	for rows.Next() {
		run, err := scanSearchRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// PruneSearchRuns deletes finished runs beyond the newest keep, together
// with their results. Active runs are never pruned.
func (db *DB) PruneSearchRuns(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	rows, err := db.query(ctx, `
		SELECT id FROM search_runs
		WHERE completed_at IS NOT NULL
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return 0, err
	}

	var stale []string
	seen := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		seen++
		if seen > keep {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(stale) == 0 {
		return 0, nil
	}

	err = db.WithTransaction(ctx, func(tx *Tx) error {
		for _, id := range stale {
			if _, err := tx.exec(ctx, `DELETE FROM domain_results WHERE run_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.exec(ctx, `DELETE FROM search_runs WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// ClearHistory deletes every finished run and its results.
// The active run, if any, is left untouched.
func (db *DB) ClearHistory(ctx context.Context) (int, error) {
	var removed int64
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.exec(ctx, `
			DELETE FROM domain_results
			WHERE run_id IN (SELECT id FROM search_runs WHERE completed_at IS NOT NULL)
		`)
		if err != nil {
			return err
		}

		result, err := tx.exec(ctx, `DELETE FROM search_runs WHERE completed_at IS NOT NULL`)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	return int(removed), err
}
