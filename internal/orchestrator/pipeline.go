package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/pacing"
	"github.com/livinlefevreloca/dropscout/internal/verify"
)

// pipeline is a single execution of a search run
type pipeline struct {
	// Core identification
	runID  string
	target int
	config Config

	// Dependencies
	agent      Agent
	classifier verify.Classifier
	store      Store
	sink       EventSink
	policy     pacing.Policy
	logger     *slog.Logger
	metrics    *metrics
	now        func() time.Time

	// ctx is cancelled on shutdown; persistCtx is not, so terminal writes
	// still land. callCtx is ctx plus the cancel channel, for agent calls.
	ctx        context.Context
	persistCtx context.Context
	callCtx    context.Context

	// State management
	state      State
	cancelChan chan struct{}
	cancelOnce sync.Once

	// Keepalive
	keepaliveStop chan struct{}
	keepaliveDone chan struct{}

	// Run data
	surface    agent.SurfaceRef
	record     Run
	candidates []Candidate
	seen       map[string]int
	progress   float64
	message    string

	// Optional state recorder for testing
	recorder *StateRecorder
}

// Cancel requests cancellation; the run stops at its next checkpoint
func (p *pipeline) Cancel() {
	p.cancelOnce.Do(func() { close(p.cancelChan) })
}

func (p *pipeline) cancelled() bool {
	select {
	case <-p.cancelChan:
		return true
	default:
		return p.ctx.Err() != nil
	}
}

// transitionTo performs a state transition and logs it
func (p *pipeline) transitionTo(newState State) {
	oldStateName := p.state.Name()
	p.state = newState
	p.record.Stage = newState.Stage()

	if p.recorder != nil {
		p.recorder.Record(newState)
	}

	p.logger.Info("state transition",
		"from", oldStateName,
		"to", newState.Name(),
		"runID", p.runID)
}

// fail records why the run failed and moves to Failed
func (p *pipeline) fail(next *FailedState, message string) {
	p.message = message
	p.transitionTo(next)
}

// run is the main pipeline loop
func (p *pipeline) run() {
	ctx, span := p.metrics.tracer.Start(p.ctx, "search_run",
		trace.WithAttributes(
			attribute.String("run.id", p.runID),
			attribute.Int("run.target", p.target),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic recovered",
				"runID", p.runID,
				"panic", r)
			span.SetStatus(codes.Error, "panic")
			p.message = fmt.Sprintf("Internal error: %v", r)
			p.transitionTo(&FailedState{})
			p.runFailed()
		}
	}()

	for {
		_, stageSpan := p.metrics.tracer.Start(ctx, "stage "+p.state.Name())

		switch p.state.(type) {
		case *InitializingState:
			p.runInitializing()
		case *LocatingSurfaceState:
			p.runLocatingSurface()
		case *AwaitingAuthState:
			p.runAwaitingAuth()
		case *NavigatingState:
			p.runNavigating()
		case *ScrapingState:
			p.runScraping()
		case *VerifyingState:
			p.runVerifying()
		case *CompletedState:
			p.runCompleted()
			stageSpan.End()
			return
		case *FailedState:
			span.SetStatus(codes.Error, p.message)
			p.runFailed()
			stageSpan.End()
			return
		case *CancelledState:
			p.runCancelled()
			stageSpan.End()
			return
		default:
			p.logger.Error("unknown state type",
				"state", fmt.Sprintf("%T", p.state),
				"runID", p.runID)
			p.message = "Internal error: unknown stage"
			p.transitionTo(&FailedState{})
		}

		stageSpan.End()
	}
}

// emit persists the snapshot and then publishes the event. Progress is
// clamped so it never moves backwards.
func (p *pipeline) emit(kind EventKind, message string, progress float64, c *Candidate) {
	progress = max(progress, p.progress)
	p.progress = progress
	p.message = message
	now := p.now()

	if !p.state.Stage().Terminal() {
		snapshot := RunState{
			RunID:       p.runID,
			TargetCount: p.target,
			Stage:       p.state.Stage(),
			Message:     message,
			Progress:    progress,
			UpdatedAt:   now,
			HeartbeatAt: now,
		}
		if err := p.store.PutActive(p.persistCtx, snapshot); err != nil {
			p.logger.Warn("failed to persist run state", "runID", p.runID, "error", err)
		}
	}

	p.sink.Publish(Event{
		RunID:     p.runID,
		Kind:      kind,
		Stage:     p.state.Stage(),
		Message:   message,
		Progress:  progress,
		Candidate: c,
		Time:      now,
	})
}

// saveProgress writes the run counters. Failures are logged; the snapshot
// and results are the authoritative record while a run is active.
func (p *pipeline) saveProgress() {
	p.record.Message = p.message
	if err := p.store.UpdateRun(p.persistCtx, p.record); err != nil {
		p.logger.Warn("failed to update run", "runID", p.runID, "error", err)
	}
}

func (p *pipeline) startKeepalive() {
	if p.config.KeepaliveInterval <= 0 {
		return
	}
	p.keepaliveStop = make(chan struct{})
	p.keepaliveDone = make(chan struct{})

	go func() {
		defer close(p.keepaliveDone)
		ticker := time.NewTicker(p.config.KeepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.keepaliveStop:
				return
			case <-ticker.C:
				if err := p.store.TouchActive(p.persistCtx, p.now()); err != nil {
					p.logger.Warn("keepalive failed", "runID", p.runID, "error", err)
				}
			}
		}
	}()
}

func (p *pipeline) stopKeepalive() {
	if p.keepaliveStop == nil {
		return
	}
	close(p.keepaliveStop)
	<-p.keepaliveDone
	p.keepaliveStop = nil
}

// finish freezes the run record, clears the snapshot and publishes the
// terminal event, in that order.
func (p *pipeline) finish(kind EventKind, progress float64) {
	p.stopKeepalive()

	now := p.now()
	p.record.Stage = p.state.Stage()
	p.record.Message = p.message
	p.record.CompletedAt = &now

	if err := p.store.FinishRun(p.persistCtx, p.record); err != nil {
		p.logger.Error("failed to finish run", "runID", p.runID, "error", err)
	}
	if err := p.store.ClearActive(p.persistCtx); err != nil {
		p.logger.Error("failed to clear run state", "runID", p.runID, "error", err)
	}

	p.metrics.runsFinished.Add(p.persistCtx, 1,
		metric.WithAttributes(attribute.String("stage", p.record.Stage.String())))

	p.emit(kind, p.message, progress, nil)

	p.logger.Info("run finished",
		"runID", p.runID,
		"stage", p.record.Stage.String(),
		"found", p.record.FoundCount,
		"scraped", p.record.ScrapedCount,
		"pages", p.record.PagesScraped,
		"message", p.message)
}

// runInitializing allocates the run and starts the keepalive
func (p *pipeline) runInitializing() {
	state := p.state.(*InitializingState)

	p.record = Run{
		ID:          p.runID,
		TargetCount: p.target,
		Stage:       StageInitializing,
		CreatedAt:   p.now(),
	}
	if err := p.store.CreateRun(p.persistCtx, p.record); err != nil {
		p.fail(state.ToFailed(), fmt.Sprintf("Could not record the run: %v", err))
		return
	}

	if err := p.store.PruneRuns(p.persistCtx, p.config.HistoryMaxRuns, p.config.HistoryMaxResults); err != nil {
		p.logger.Warn("history pruning failed", "runID", p.runID, "error", err)
	}

	p.startKeepalive()
	p.emit(EventStatus, fmt.Sprintf("Starting search for %d available domains", p.target), 0, nil)

	if p.cancelled() {
		p.transitionTo(state.ToCancelled())
		return
	}
	p.transitionTo(state.ToLocatingSurface())
}

// runLocatingSurface finds or opens the listing surface
func (p *pipeline) runLocatingSurface() {
	state := p.state.(*LocatingSurfaceState)

	p.emit(EventStatus, "Looking for the listing site", 5, nil)

	ref, err := p.agent.Locate(p.callCtx)
	if err != nil {
		if p.cancelled() {
			p.transitionTo(state.ToCancelled())
			return
		}
		p.fail(state.ToFailed(), fmt.Sprintf("Could not find or open the listing site: %v", err))
		return
	}
	p.surface = ref

	if p.cancelled() {
		p.transitionTo(state.ToCancelled())
		return
	}
	p.transitionTo(state.ToAwaitingAuth())
}

// runAwaitingAuth checks the surface is logged in. A negative answer is
// final; the user has to log in and start again.
func (p *pipeline) runAwaitingAuth() {
	state := p.state.(*AwaitingAuthState)

	p.emit(EventStatus, "Checking login", 10, nil)

	ok, err := p.agent.CheckAuth(p.callCtx, p.surface)
	if err != nil {
		if p.cancelled() {
			p.transitionTo(state.ToCancelled())
			return
		}
		p.fail(state.ToFailed(), fmt.Sprintf("The page agent did not respond while checking login: %v", err))
		return
	}
	if !ok {
		p.fail(state.ToFailed(), "Not logged in. Log in to the listing site, then start the search again.")
		return
	}

	p.emit(EventStatus, "Logged in", 15, nil)

	if p.cancelled() {
		p.transitionTo(state.ToCancelled())
		return
	}
	p.transitionTo(state.ToNavigating())
}

// runNavigating moves to the deleted-domain listing unless already there
func (p *pipeline) runNavigating() {
	state := p.state.(*NavigatingState)

	p.emit(EventStatus, "Navigating to deleted .com listings", 20, nil)

	onTarget, err := p.agent.IsOnTargetSection(p.callCtx, p.surface)
	if err != nil {
		p.navigationError(state, err)
		return
	}

	if !onTarget {
		if p.cancelled() {
			p.transitionTo(state.ToCancelled())
			return
		}

		navigated, err := p.agent.NavigateToSection(p.callCtx, p.surface)
		if err != nil {
			p.navigationError(state, err)
			return
		}
		if !navigated {
			p.fail(state.ToFailed(), "Could not find the deleted .com listings link. The site layout may have changed.")
			return
		}

		if err := p.agent.AfterNavigation(p.callCtx, p.surface); err != nil && !p.cancelled() {
			p.logger.Warn("settling after navigation failed", "runID", p.runID, "error", err)
		}
	}

	p.emit(EventStatus, "Waiting for the listing table", 25, nil)

	if p.cancelled() {
		p.transitionTo(state.ToCancelled())
		return
	}
	p.transitionTo(state.ToScraping())
}

func (p *pipeline) navigationError(state *NavigatingState, err error) {
	if p.cancelled() {
		p.transitionTo(state.ToCancelled())
		return
	}
	p.fail(state.ToFailed(), fmt.Sprintf("The page agent did not respond while navigating: %v", err))
}

// runCompleted handles successful completion
func (p *pipeline) runCompleted() {
	p.message = fmt.Sprintf("Done. Found %d available domains out of %d checked.",
		p.record.FoundCount, p.checked())
	p.finish(EventDone, 100)
}

// runFailed handles run failure
func (p *pipeline) runFailed() {
	if p.message == "" {
		p.message = "Search failed"
	}
	p.finish(EventError, p.progress)
}

// runCancelled handles cancellation. Everything stored so far is kept.
func (p *pipeline) runCancelled() {
	p.message = fmt.Sprintf("Search cancelled. Kept %d candidates, %d available.",
		len(p.candidates), p.record.FoundCount)
	p.finish(EventDone, p.progress)
}

// checked counts candidates that went through verification
func (p *pipeline) checked() int {
	return lo.CountBy(p.candidates, func(c Candidate) bool {
		return c.Status != verify.StatusPending
	})
}
