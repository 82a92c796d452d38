package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/pacing"
	"github.com/livinlefevreloca/dropscout/internal/verify"
)

const (
	scrapeProgressStart = 30
	scrapeProgressSpan  = 40
)

// runScraping pages through the listing until enough candidates are
// collected, the page ceiling is hit, the listing runs dry or the run is
// cancelled.
func (p *pipeline) runScraping() {
	state := p.state.(*ScrapingState)

	goal := p.config.Goal(p.target)
	ceiling := p.config.PageCeiling(p.target)
	emptyInRow := 0
	nextBreakAt := p.policy.BreakInterval()

	p.logger.Info("scraping",
		"runID", p.runID,
		"goal", goal,
		"page_ceiling", ceiling)

	for page := 1; ; page++ {
		if err := pacing.Sleep(p.ctx, p.policy.ReadingPause(), p.cancelChan); err != nil {
			p.transitionTo(state.ToCancelled())
			return
		}
		if p.cancelled() {
			p.transitionTo(state.ToCancelled())
			return
		}

		p.emit(EventStatus, fmt.Sprintf("Reading page %d", page), p.scrapeProgress(goal, ceiling), nil)

		parsed, hasNext, err := p.agent.ParsePage(p.callCtx, p.surface)
		if err != nil {
			if p.cancelled() {
				p.transitionTo(state.ToCancelled())
				return
			}
			if len(p.candidates) == 0 {
				p.fail(state.ToFailed(), fmt.Sprintf("The page agent stopped responding on page %d: %v", page, err))
				return
			}
			p.logger.Warn("page agent unresponsive, verifying what was collected",
				"runID", p.runID, "page", page, "error", err)
			break
		}

		p.record.PagesScraped = page
		p.metrics.pages.Add(p.persistCtx, 1)

		added, err := p.collect(page, parsed, goal, ceiling)
		if err != nil {
			p.fail(state.ToFailed(), fmt.Sprintf("Could not save results: %v", err))
			return
		}

		if len(parsed) == 0 {
			emptyInRow++
			if page == 1 {
				p.reportDiagnostics()
			}
		} else {
			emptyInRow = 0
		}

		p.emit(EventStatus,
			fmt.Sprintf("Page %d: %d new candidates, %d collected", page, added, len(p.candidates)),
			p.scrapeProgress(goal, ceiling), nil)
		p.saveProgress()

		if emptyInRow >= p.config.EmptyPagesAbort {
			if len(p.candidates) == 0 {
				p.fail(state.ToFailed(), fmt.Sprintf(
					"No candidates on %d pages in a row. The listing layout may have changed.", emptyInRow))
				return
			}
			p.logger.Warn("listing ran dry", "runID", p.runID, "empty_pages", emptyInRow)
			break
		}
		if len(p.candidates) >= goal || page >= ceiling || !hasNext {
			break
		}

		if nextBreakAt > 0 && page >= nextBreakAt {
			pause := p.policy.BreakDuration()
			p.emit(EventStatus, fmt.Sprintf("Taking a %s break", pause.Round(time.Second)), p.progress, nil)
			if err := pacing.Sleep(p.ctx, pause, p.cancelChan); err != nil {
				p.transitionTo(state.ToCancelled())
				return
			}
			nextBreakAt = page + p.policy.BreakInterval()
		}

		if err := pacing.Sleep(p.ctx, p.policy.PageDelay(), p.cancelChan); err != nil {
			p.transitionTo(state.ToCancelled())
			return
		}
		if p.cancelled() {
			p.transitionTo(state.ToCancelled())
			return
		}

		if !p.nextPage(page) {
			break
		}
	}

	if p.cancelled() {
		p.transitionTo(state.ToCancelled())
		return
	}
	if len(p.candidates) == 0 {
		p.fail(state.ToFailed(), fmt.Sprintf("No domains found on %d pages", p.record.PagesScraped))
		return
	}
	p.transitionTo(state.ToVerifying())
}

// collect stores the new names from one page and announces each of them.
// Names already seen in this run are skipped.
func (p *pipeline) collect(page int, parsed []agent.Candidate, goal, ceiling int) (int, error) {
	parsed = lo.UniqBy(parsed, func(c agent.Candidate) string {
		return strings.ToLower(c.Name)
	})

	added := 0
	for _, raw := range parsed {
		name := strings.ToLower(raw.Name)
		if _, dup := p.seen[name]; dup {
			continue
		}

		c := Candidate{
			Name:          name,
			BacklinkScore: raw.BacklinkScore,
			AgeYears:      raw.AgeYears,
			SourcePage:    page,
			Status:        verify.StatusPending,
			FoundAt:       p.now(),
		}
		if err := p.store.UpsertResult(p.persistCtx, p.runID, c); err != nil {
			return added, err
		}

		p.seen[name] = len(p.candidates)
		p.candidates = append(p.candidates, c)
		p.record.ScrapedCount = len(p.candidates)
		added++
		p.metrics.candidates.Add(p.persistCtx, 1)

		p.emit(EventCandidate, fmt.Sprintf("Found %s", name), p.scrapeProgress(goal, ceiling), &c)
	}
	return added, nil
}

// nextPage clicks through to the following page. False means the listing
// could not be advanced and scraping should stop.
func (p *pipeline) nextPage(page int) bool {
	accepted, err := p.agent.ClickNext(p.callCtx, p.surface)
	if err != nil {
		if !p.cancelled() {
			p.logger.Warn("could not advance to next page", "runID", p.runID, "page", page, "error", err)
		}
		return false
	}
	if !accepted {
		p.logger.Info("no next page", "runID", p.runID, "page", page)
		return false
	}

	if err := p.agent.AfterNavigation(p.callCtx, p.surface); err != nil && !p.cancelled() {
		p.logger.Warn("settling after page change failed", "runID", p.runID, "error", err)
	}
	return true
}

// reportDiagnostics asks the agent what it sees when a page comes back
// empty, so layout changes show up in the event stream.
func (p *pipeline) reportDiagnostics() {
	if p.cancelled() {
		return
	}
	diag, err := p.agent.Diagnostics(p.callCtx, p.surface)
	if err != nil || diag == nil {
		p.logger.Warn("diagnostics unavailable", "runID", p.runID, "error", err)
		return
	}

	p.logger.Warn("empty listing page",
		"runID", p.runID,
		"url", diag.URL,
		"title", diag.Title,
		"has_table", diag.HasTable,
		"table_ids", diag.TableIDs,
		"name_links", diag.NameLinkCount,
		"has_logout", diag.HasLogout)

	p.emit(EventStatus, fmt.Sprintf("Page 1 was empty (url %s, table found: %t, name links: %d, logged in: %t)",
		diag.URL, diag.HasTable, diag.NameLinkCount, diag.HasLogout), p.progress, nil)
}

// scrapeProgress maps scraping onto its band, moving with whichever of
// candidates or pages is further along.
func (p *pipeline) scrapeProgress(goal, ceiling int) float64 {
	byCandidates := float64(len(p.candidates)) / float64(max(goal, 1))
	byPages := float64(p.record.PagesScraped) / float64(max(ceiling, 1))
	return scrapeProgressStart + scrapeProgressSpan*min(max(byCandidates, byPages), 1)
}
