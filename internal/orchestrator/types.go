package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/verify"
)

// Stage represents where a run is in the pipeline
type Stage int

const (
	StageInitializing    Stage = iota // Allocating the run and its snapshot
	StageLocatingSurface              // Finding the browsing surface
	StageAwaitingAuth                 // Checking the surface is logged in
	StageNavigating                   // Moving to the listing section
	StageScraping                     // Paging through listings
	StageVerifying                    // Classifying candidates

	// Terminal stages
	StageCompleted
	StageFailed
	StageCancelled
)

var stageNames = map[Stage]string{
	StageInitializing:    "initializing",
	StageLocatingSurface: "locating_surface",
	StageAwaitingAuth:    "awaiting_auth",
	StageNavigating:      "navigating",
	StageScraping:        "scraping",
	StageVerifying:       "verifying",
	StageCompleted:       "completed",
	StageFailed:          "failed",
	StageCancelled:       "cancelled",
}

// String returns the stage name as stored and shown to observers
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the stage ends a run
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// ParseStage is the inverse of String
func ParseStage(name string) (Stage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Run is one discovery session
type Run struct {
	ID           string     `json:"id"`
	TargetCount  int        `json:"targetCount"`
	Stage        Stage      `json:"stage"`
	FoundCount   int        `json:"foundCount"`
	ScrapedCount int        `json:"scrapedCount"`
	PagesScraped int        `json:"pagesScraped"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Candidate is a scraped domain and its verification status
type Candidate struct {
	Name          string        `json:"name"`
	BacklinkScore int           `json:"backlinkScore"`
	AgeYears      int           `json:"ageYears"`
	SourcePage    int           `json:"sourcePage"`
	Status        verify.Status `json:"status"`
	FoundAt       time.Time     `json:"foundAt"`
}

// Result is a stored candidate together with the run that found it
type Result struct {
	RunID string `json:"runId"`
	Candidate
}

// RunState is the persisted snapshot of the active run, used by observers
// to catch up after reconnecting
type RunState struct {
	RunID       string    `json:"runId"`
	TargetCount int       `json:"targetCount"`
	Stage       Stage     `json:"stage"`
	Message     string    `json:"message"`
	Progress    float64   `json:"progressPercent"`
	UpdatedAt   time.Time `json:"updatedAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// EventKind classifies progress events
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventCandidate EventKind = "candidate"
	EventResult    EventKind = "result"
	EventDone      EventKind = "done"
	EventError     EventKind = "error"
)

// Event is one progress notification. Progress never decreases within a run.
type Event struct {
	RunID     string     `json:"runId"`
	Kind      EventKind  `json:"kind"`
	Stage     Stage      `json:"stage"`
	Message   string     `json:"message"`
	Progress  float64    `json:"progressPercent"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Time      time.Time  `json:"time"`
}

// EventSink receives progress events in pipeline order. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// Agent is the scrape agent as seen by the pipeline. *agent.Channel
// implements it.
type Agent interface {
	Locate(ctx context.Context) (agent.SurfaceRef, error)
	CheckAuth(ctx context.Context, ref agent.SurfaceRef) (bool, error)
	IsOnTargetSection(ctx context.Context, ref agent.SurfaceRef) (bool, error)
	NavigateToSection(ctx context.Context, ref agent.SurfaceRef) (bool, error)
	ParsePage(ctx context.Context, ref agent.SurfaceRef) ([]agent.Candidate, bool, error)
	ClickNext(ctx context.Context, ref agent.SurfaceRef) (bool, error)
	Diagnostics(ctx context.Context, ref agent.SurfaceRef) (*agent.Diagnostics, error)
	AfterNavigation(ctx context.Context, ref agent.SurfaceRef) error
}

// Store persists runs, results and the active-run snapshot
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	PruneRuns(ctx context.Context, keepRuns, keepResults int) error

	UpsertResult(ctx context.Context, runID string, c Candidate) error
	ListResults(ctx context.Context, runID string) ([]Result, error)
	History(ctx context.Context, limit int) ([]Result, error)
	ClearHistory(ctx context.Context) (int, error)

	PutActive(ctx context.Context, state RunState) error
	TouchActive(ctx context.Context, at time.Time) error
	// GetActive returns nil, nil when no run is active.
	GetActive(ctx context.Context) (*RunState, error)
	ClearActive(ctx context.Context) error
}

var (
	// ErrAlreadyRunning is returned by StartRun while another run is active.
	ErrAlreadyRunning = errors.New("orchestrator: a run is already active")

	// ErrShuttingDown is returned by StartRun after Shutdown.
	ErrShuttingDown = errors.New("orchestrator: shutting down")
)
