package db

import "time"

// SearchRun is one row of search_runs: a discovery session and its outcome
type SearchRun struct {
	ID           string
	TargetCount  int
	FoundCount   int
	ScrapedCount int
	PagesScraped int
	Stage        string
	Message      string
	CreatedAt    time.Time
	CompletedAt  *time.Time // nil while the run is active
}

// DomainResult is one row of domain_results, unique per (RunID, Name)
type DomainResult struct {
	RunID         string
	Name          string
	BacklinkScore int
	AgeYears      int
	Status        string
	SourcePage    int
	FoundAt       time.Time
	UpdatedAt     time.Time
}

// ActiveRunState is the singleton snapshot of the run in flight
type ActiveRunState struct {
	RunID       string
	TargetCount int
	Stage       string
	Message     string
	Progress    float64
	UpdatedAt   time.Time
	HeartbeatAt time.Time
}
