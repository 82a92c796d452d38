package db

import (
	"context"
)

const domainResultColumns = `run_id, name, backlink_score, age_years, status, source_page, found_at, updated_at`

func scanDomainResult(row rowScanner) (*DomainResult, error) {
	r := &DomainResult{}
	err := row.Scan(
		&r.RunID,
		&r.Name,
		&r.BacklinkScore,
		&r.AgeYears,
		&r.Status,
		&r.SourcePage,
		&r.FoundAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpsertDomainResult inserts a result or, when (run_id, name) already
// exists, refreshes its status, scores and updated_at. source_page and
// found_at keep the values from the first write.
func (db *DB) UpsertDomainResult(ctx context.Context, r *DomainResult) error {
	query := `
		INSERT INTO domain_results (run_id, name, backlink_score, age_years, status, source_page, found_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE SET
			backlink_score = excluded.backlink_score,
			age_years = excluded.age_years,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := db.exec(ctx, query,
		r.RunID,
		r.Name,
		r.BacklinkScore,
		r.AgeYears,
		r.Status,
		r.SourcePage,
		r.FoundAt,
		r.UpdatedAt,
	)
	if IsForeignKey(err) {
		return ErrForeignKey
	}
	return err
}

// GetDomainResult retrieves one result of a run
func (db *DB) GetDomainResult(ctx context.Context, runID, name string) (*DomainResult, error) {
	query := `SELECT ` + domainResultColumns + ` FROM domain_results WHERE run_id = ? AND name = ?`

	r, err := scanDomainResult(db.queryRow(ctx, query, runID, name))
	if IsNotFound(err) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListDomainResults returns every result of a run in discovery order
func (db *DB) ListDomainResults(ctx context.Context, runID string) ([]DomainResult, error) {
	query := `
		SELECT ` + domainResultColumns + `
		FROM domain_results
		WHERE run_id = ?
		ORDER BY source_page, found_at, name
	`
	return db.listDomainResults(ctx, query, runID)
}

// GetHistory returns the newest results across all runs
func (db *DB) GetHistory(ctx context.Context, limit int) ([]DomainResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + domainResultColumns + `
		FROM domain_results
		ORDER BY found_at DESC, name
		LIMIT ?
	`
	return db.listDomainResults(ctx, query, limit)
}

func (db *DB) listDomainResults(ctx context.Context, query string, args ...any) ([]DomainResult, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DomainResult
	for rows.Next() {
		r, err := scanDomainResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// CountResultsByStatus tallies a run's results per status
func (db *DB) CountResultsByStatus(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := db.query(ctx, `
		SELECT status, COUNT(*)
		FROM domain_results
		WHERE run_id = ?
		GROUP BY status
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PruneDomainResults drops results older than the newest keep rows of
// finished runs. Rows sharing the cutoff timestamp are kept.
func (db *DB) PruneDomainResults(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM domain_results
		WHERE run_id IN (SELECT id FROM search_runs WHERE completed_at IS NOT NULL)
		AND found_at < (
			SELECT found_at FROM domain_results
			ORDER BY found_at DESC
			LIMIT 1 OFFSET ?
		)
	`

	result, err := db.exec(ctx, query, keep-1)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
