package orchestrator

import (
	"fmt"

	"github.com/livinlefevreloca/dropscout/internal/pacing"
	"github.com/livinlefevreloca/dropscout/internal/verify"
)

const (
	verifyProgressStart = 70
	verifyProgressSpan  = 25
)

// runVerifying classifies each candidate in collection order, one call at a
// time, persisting every verdict before moving on.
func (p *pipeline) runVerifying() {
	state := p.state.(*VerifyingState)

	total := len(p.candidates)
	p.emit(EventStatus, fmt.Sprintf("Checking availability of %d domains", total), verifyProgressStart, nil)

	for i := range p.candidates {
		if i > 0 {
			if err := pacing.Sleep(p.ctx, p.config.VerifyInterval, p.cancelChan); err != nil {
				p.transitionTo(state.ToCancelled())
				return
			}
		}
		if p.cancelled() {
			p.transitionTo(state.ToCancelled())
			return
		}

		c := &p.candidates[i]
		status := p.classifier.Classify(p.ctx, c.Name)

		// A lookup cut short by shutdown never got an answer; the
		// candidate stays pending rather than recording a guess.
		if p.ctx.Err() != nil {
			p.logger.Info("verification interrupted by shutdown", "runID", p.runID, "name", c.Name)
			p.transitionTo(state.ToCancelled())
			return
		}
		c.Status = status

		if err := p.store.UpsertResult(p.persistCtx, p.runID, *c); err != nil {
			p.fail(state.ToFailed(), fmt.Sprintf("Could not save results: %v", err))
			return
		}

		progress := verifyProgressStart + verifyProgressSpan*float64(i+1)/float64(total)
		if c.Status == verify.StatusAvailable {
			p.record.FoundCount++
			result := *c
			p.emit(EventResult, fmt.Sprintf("%s is available", c.Name), progress, &result)
			p.saveProgress()
		} else {
			p.emit(EventStatus, fmt.Sprintf("%s: %s", c.Name, c.Status), progress, nil)
		}
	}

	p.transitionTo(state.ToCompleted())
}
