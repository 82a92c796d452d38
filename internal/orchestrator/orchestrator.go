// Package orchestrator drives a domain search run through its stages:
// locating the listing surface, checking login, navigating, scraping pages
// and verifying each candidate. One run is active at a time; every step is
// persisted so observers can catch up after reconnecting.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/pacing"
	"github.com/livinlefevreloca/dropscout/internal/telemetry"
	"github.com/livinlefevreloca/dropscout/internal/verify"
)

// Orchestrator owns the single active run
type Orchestrator struct {
	config     Config
	agent      Agent
	classifier verify.Classifier
	store      Store
	sink       EventSink
	policy     pacing.Policy
	logger     *slog.Logger
	now        func() time.Time

	// baseCtx outlives requests; Shutdown cancels it.
	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	active   *pipeline
	closed   bool
	wg       sync.WaitGroup
	recorder *StateRecorder

	metrics *metrics
}

type metrics struct {
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	pages        metric.Int64Counter
	candidates   metric.Int64Counter
	tracer       trace.Tracer
}

func newMetrics() *metrics {
	meter := telemetry.Meter("dropscout/orchestrator")
	runsStarted, _ := meter.Int64Counter("dropscout.runs.started",
		metric.WithDescription("Search runs started"),
	)
	runsFinished, _ := meter.Int64Counter("dropscout.runs.finished",
		metric.WithDescription("Search runs finished by terminal stage"),
	)
	pages, _ := meter.Int64Counter("dropscout.pages.scraped",
		metric.WithDescription("Listing pages parsed"),
	)
	candidates, _ := meter.Int64Counter("dropscout.candidates.found",
		metric.WithDescription("Distinct candidates collected"),
	)
	return &metrics{
		runsStarted:  runsStarted,
		runsFinished: runsFinished,
		pages:        pages,
		candidates:   candidates,
		tracer:       telemetry.Tracer("dropscout/orchestrator"),
	}
}

// New creates an orchestrator. sink and policy may be nil.
func New(
	config Config,
	agent Agent,
	classifier verify.Classifier,
	store Store,
	sink EventSink,
	policy pacing.Policy,
	logger *slog.Logger,
) *Orchestrator {
	if sink == nil {
		sink = nopSink{}
	}
	if policy == nil {
		policy = pacing.None{}
	}
	ctx, stop := context.WithCancel(context.Background())

	return &Orchestrator{
		config:     config,
		agent:      agent,
		classifier: classifier,
		store:      store,
		sink:       sink,
		policy:     policy,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		baseCtx:    ctx,
		stop:       stop,
		metrics:    newMetrics(),
	}
}

// SetRecorder records the state path of every subsequent run (for testing)
func (o *Orchestrator) SetRecorder(r *StateRecorder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorder = r
}

// StartRun begins a new run in the background and returns its ID. The
// target is clamped to the configured bounds.
func (o *Orchestrator) StartRun(ctx context.Context, target int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", ErrShuttingDown
	}
	if o.active != nil {
		return "", ErrAlreadyRunning
	}

	// A snapshot with no pipeline behind it was left by a previous process.
	if err := o.recoverLocked(ctx); err != nil {
		return "", err
	}

	target = o.config.ClampTarget(target)
	p := o.newPipeline(uuid.NewString(), target)
	o.active = p
	o.metrics.runsStarted.Add(ctx, 1)

	o.logger.Info("starting run", "runID", p.runID, "target", target)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		p.run()

		o.mu.Lock()
		if o.active == p {
			o.active = nil
		}
		o.mu.Unlock()
	}()

	return p.runID, nil
}

// CancelRun requests cancellation of the active run. It returns false when
// nothing is running. Repeated calls are harmless.
func (o *Orchestrator) CancelRun() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil {
		return false
	}
	o.active.Cancel()
	return true
}

// ActiveRunSnapshot returns the persisted state of the active run, or nil
// when idle.
func (o *Orchestrator) ActiveRunSnapshot(ctx context.Context) (*RunState, error) {
	return o.store.GetActive(ctx)
}

// Running reports whether a pipeline is in flight in this process
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// Recover finalises a run left active by a process that stopped mid-run.
// Call it once at startup, before StartRun.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return nil
	}
	return o.recoverLocked(ctx)
}

func (o *Orchestrator) recoverLocked(ctx context.Context) error {
	snapshot, err := o.store.GetActive(ctx)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}

	now := o.now()
	message := fmt.Sprintf("Interrupted: the service stopped while the run was %s", snapshot.Stage)
	run := Run{
		ID:          snapshot.RunID,
		TargetCount: snapshot.TargetCount,
		Stage:       StageFailed,
		Message:     message,
		CompletedAt: &now,
	}

	// Counters are whatever the last progress update stored.
	runs, err := o.store.ListRuns(ctx, max(o.config.HistoryMaxRuns, 1))
	if err != nil {
		return err
	}
	for _, r := range runs {
		if r.ID == snapshot.RunID {
			run.FoundCount = r.FoundCount
			run.ScrapedCount = r.ScrapedCount
			run.PagesScraped = r.PagesScraped
			run.CreatedAt = r.CreatedAt
		}
	}

	if err := o.store.FinishRun(ctx, run); err != nil {
		o.logger.Warn("could not finalise interrupted run", "runID", run.ID, "error", err)
	}
	if err := o.store.ClearActive(ctx); err != nil {
		return err
	}

	o.logger.Warn("recovered interrupted run",
		"runID", snapshot.RunID,
		"stage", snapshot.Stage.String(),
		"progress", snapshot.Progress)
	return nil
}

// Shutdown cancels the active run, interrupts in-flight calls and waits for
// the pipeline to reach a terminal stage.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	if o.active != nil {
		o.active.Cancel()
	}
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListRuns returns recent runs, newest first
func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return o.store.ListRuns(ctx, limit)
}

// Results returns every candidate stored for a run
func (o *Orchestrator) Results(ctx context.Context, runID string) ([]Result, error) {
	return o.store.ListResults(ctx, runID)
}

// History returns the most recently found candidates across runs
func (o *Orchestrator) History(ctx context.Context, limit int) ([]Result, error) {
	return o.store.History(ctx, limit)
}

// ClearHistory removes finished runs and their results. The active run is
// untouched.
func (o *Orchestrator) ClearHistory(ctx context.Context) (int, error) {
	return o.store.ClearHistory(ctx)
}

func (o *Orchestrator) newPipeline(runID string, target int) *pipeline {
	cancelChan := make(chan struct{})
	return &pipeline{
		runID:      runID,
		target:     target,
		config:     o.config,
		agent:      o.agent,
		classifier: o.classifier,
		store:      o.store,
		sink:       o.sink,
		policy:     o.policy,
		logger:     o.logger,
		metrics:    o.metrics,
		now:        o.now,
		ctx:        o.baseCtx,
		persistCtx: context.WithoutCancel(o.baseCtx),
		callCtx:    agent.WithInterrupt(o.baseCtx, cancelChan),
		state:      &InitializingState{},
		cancelChan: cancelChan,
		seen:       make(map[string]int),
		recorder:   o.recorder,
	}
}
