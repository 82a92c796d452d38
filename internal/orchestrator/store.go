package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/dropscout/internal/db"
	"github.com/livinlefevreloca/dropscout/internal/verify"
)

// DBStore adapts db.DB to the Store interface
type DBStore struct {
	db *db.DB
}

// NewDBStore creates a new database-backed store
func NewDBStore(database *db.DB) *DBStore {
	return &DBStore{db: database}
}

func (s *DBStore) CreateRun(ctx context.Context, run Run) error {
	row := toSearchRun(run)
	if err := s.db.CreateSearchRun(ctx, &row); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *DBStore) UpdateRun(ctx context.Context, run Run) error {
	row := toSearchRun(run)
	if err := s.db.UpdateSearchRunProgress(ctx, &row); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// FinishRun writes the final counters and then freezes the run
func (s *DBStore) FinishRun(ctx context.Context, run Run) error {
	if err := s.UpdateRun(ctx, run); err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	if err := s.db.FinishSearchRun(ctx, run.ID, run.Stage.String(), run.Message, completedAt); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

func (s *DBStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.ListSearchRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, fromSearchRun(row))
	}
	return runs, nil
}

func (s *DBStore) PruneRuns(ctx context.Context, keepRuns, keepResults int) error {
	if keepRuns > 0 {
		if _, err := s.db.PruneSearchRuns(ctx, keepRuns); err != nil {
			return fmt.Errorf("failed to prune runs: %w", err)
		}
	}
	if keepResults > 0 {
		if _, err := s.db.PruneDomainResults(ctx, keepResults); err != nil {
			return fmt.Errorf("failed to prune results: %w", err)
		}
	}
	return nil
}

func (s *DBStore) UpsertResult(ctx context.Context, runID string, c Candidate) error {
	now := time.Now().UTC()
	foundAt := c.FoundAt
	if foundAt.IsZero() {
		foundAt = now
	}
	row := db.DomainResult{
		RunID:         runID,
		Name:          c.Name,
		BacklinkScore: c.BacklinkScore,
		AgeYears:      c.AgeYears,
		Status:        string(c.Status),
		SourcePage:    c.SourcePage,
		FoundAt:       foundAt,
		UpdatedAt:     now,
	}
	if err := s.db.UpsertDomainResult(ctx, &row); err != nil {
		return fmt.Errorf("failed to save %s: %w", c.Name, err)
	}
	return nil
}

func (s *DBStore) ListResults(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.ListDomainResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return fromDomainResults(rows), nil
}

func (s *DBStore) History(ctx context.Context, limit int) ([]Result, error) {
	rows, err := s.db.GetHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return fromDomainResults(rows), nil
}

func (s *DBStore) ClearHistory(ctx context.Context) (int, error) {
	n, err := s.db.ClearHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	return n, nil
}

func (s *DBStore) PutActive(ctx context.Context, state RunState) error {
	row := db.ActiveRunState{
		RunID:       state.RunID,
		TargetCount: state.TargetCount,
		Stage:       state.Stage.String(),
		Message:     state.Message,
		Progress:    state.Progress,
		UpdatedAt:   state.UpdatedAt,
		HeartbeatAt: state.HeartbeatAt,
	}
	if err := s.db.PutActiveRunState(ctx, &row); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

func (s *DBStore) TouchActive(ctx context.Context, at time.Time) error {
	err := s.db.TouchActiveRunState(ctx, at)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

func (s *DBStore) GetActive(ctx context.Context) (*RunState, error) {
	row, err := s.db.GetActiveRunState(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}
	stage, err := ParseStage(row.Stage)
	if err != nil {
		return nil, err
	}
	return &RunState{
		RunID:       row.RunID,
		TargetCount: row.TargetCount,
		Stage:       stage,
		Message:     row.Message,
		Progress:    row.Progress,
		UpdatedAt:   row.UpdatedAt,
		HeartbeatAt: row.HeartbeatAt,
	}, nil
}

func (s *DBStore) ClearActive(ctx context.Context) error {
	return s.db.DeleteActiveRunState(ctx)
}

func toSearchRun(run Run) db.SearchRun {
	return db.SearchRun{
		ID:           run.ID,
		TargetCount:  run.TargetCount,
		FoundCount:   run.FoundCount,
		ScrapedCount: run.ScrapedCount,
		PagesScraped: run.PagesScraped,
		Stage:        run.Stage.String(),
		Message:      run.Message,
		CreatedAt:    run.CreatedAt,
		CompletedAt:  run.CompletedAt,
	}
}

func fromSearchRun(row db.SearchRun) Run {
	// Rows written by this package always carry a known stage.
	stage, _ := ParseStage(row.Stage)
	return Run{
		ID:           row.ID,
		TargetCount:  row.TargetCount,
		Stage:        stage,
		FoundCount:   row.FoundCount,
		ScrapedCount: row.ScrapedCount,
		PagesScraped: row.PagesScraped,
		Message:      row.Message,
		CreatedAt:    row.CreatedAt,
		CompletedAt:  row.CompletedAt,
	}
}

func fromDomainResults(rows []db.DomainResult) []Result {
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, Result{
			RunID: row.RunID,
			Candidate: Candidate{
				Name:          row.Name,
				BacklinkScore: row.BacklinkScore,
				AgeYears:      row.AgeYears,
				SourcePage:    row.SourcePage,
				Status:        verify.Status(row.Status),
				FoundAt:       row.FoundAt,
			},
		})
	}
	return results
}
