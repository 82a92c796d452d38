// Package agent talks to the scrape agent living on a browsing surface.
//
// A Host moves requests to the agent and back. Channel layers readiness
// waits, per-attempt timeouts, re-binding and retries on top of a Host and
// exposes one typed method per command.
package agent

import (
	"context"
	"errors"
)

// Command identifies an operation the scrape agent can perform
type Command string

const (
	CmdCheckAuth         Command = "check_auth"
	CmdIsOnTargetSection Command = "is_on_target_section"
	CmdNavigateToSection Command = "navigate_to_section"
	CmdParsePage         Command = "parse_page"
	CmdClickNext         Command = "click_next"
	CmdGetDiagnostics    Command = "get_diagnostics"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CmdCheckAuth, CmdIsOnTargetSection, CmdNavigateToSection,
		CmdParsePage, CmdClickNext, CmdGetDiagnostics:
		return true
	}
	return false
}

// SurfaceRef identifies one browsing surface (a tab, or an HTTP session)
type SurfaceRef string

// Request is a single command sent to the agent. Commands carry no arguments.
type Request struct {
	ID      string  `json:"id"`
	Command Command `json:"command"`
}

// Candidate is a raw record extracted from a listing page
type Candidate struct {
	Name          string `json:"name"`
	BacklinkScore int    `json:"backlinkScore"`
	AgeYears      int    `json:"ageYears"`
}

// Diagnostics describes what the agent sees on the surface. Used to
// explain empty pages.
type Diagnostics struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	HasTable      bool     `json:"hasTable"`
	TableIDs      []string `json:"tableIds,omitempty"`
	TableClasses  []string `json:"tableClasses,omitempty"`
	NameLinkCount int      `json:"namelinksCount"`
	HasLogout     bool     `json:"hasLogout"`
	BodySnippet   string   `json:"bodySnippet,omitempty"`
}

// Response carries the result of any command. Only the fields relevant to
// the command that was sent are meaningful.
type Response struct {
	Authenticated bool         `json:"authenticated,omitempty"`
	OnTarget      bool         `json:"onTarget,omitempty"`
	Navigated     bool         `json:"navigated,omitempty"`
	Candidates    []Candidate  `json:"candidates,omitempty"`
	HasNextPage   bool         `json:"hasNextPage,omitempty"`
	Accepted      bool         `json:"accepted,omitempty"`
	Diagnostics   *Diagnostics `json:"diagnostics,omitempty"`
}

// Host is the transport to scrape agents.
type Host interface {
	// FindOrOpen returns a surface showing the target site, reusing an
	// existing one when present.
	FindOrOpen(ctx context.Context) (SurfaceRef, error)

	// WaitReady blocks until the surface has finished loading and an agent
	// is attached to it.
	WaitReady(ctx context.Context, ref SurfaceRef) error

	// Rebind re-attaches the agent to the surface after it was torn down.
	Rebind(ctx context.Context, ref SurfaceRef) error

	// Call delivers one request and waits for its response.
	Call(ctx context.Context, ref SurfaceRef, req Request) (Response, error)

	Close() error
}

var (
	// ErrAgentUnresponsive means every attempt of a call failed.
	ErrAgentUnresponsive = errors.New("agent: unresponsive")

	// ErrNoSurface means no surface for the target site could be found.
	ErrNoSurface = errors.New("agent: no surface available")

	// ErrSurfaceClosed means the surface went away while a call was pending.
	ErrSurfaceClosed = errors.New("agent: surface closed")

	// ErrUnknownCommand is returned by agents for commands they do not handle.
	ErrUnknownCommand = errors.New("agent: unknown command")
)
