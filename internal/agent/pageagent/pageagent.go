// Package pageagent is an in-process scrape agent that browses the listing
// site over plain HTTP with a pre-authenticated cookie jar.
//
// Each surface is one browsing session: a current URL and the document
// loaded from it. Commands run against that document; navigation commands
// fetch a new one.
package pageagent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/livinlefevreloca/dropscout/internal/agent"
)

// Agent implements agent.Host by driving HTTP sessions itself.
type Agent struct {
	config agent.PageConfig
	base   *url.URL
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[agent.SurfaceRef]*session
	order    []agent.SurfaceRef
}

type session struct {
	mu  sync.Mutex
	url *url.URL
	doc *goquery.Document
}

// New creates a page agent. Cookies from config.CookieFile and
// config.CookieHeader are loaded into the session jar.
func New(config agent.PageConfig, logger *slog.Logger) (*Agent, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", config.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	if config.CookieFile != "" {
		cookies, err := LoadCookieFile(config.CookieFile)
		if err != nil {
			return nil, err
		}
		jar.SetCookies(base, cookies)
		logger.Info("loaded cookies", "file", config.CookieFile, "count", len(cookies))
	}
	if config.CookieHeader != "" {
		cookies, err := http.ParseCookie(config.CookieHeader)
		if err != nil {
			return nil, fmt.Errorf("parse cookie header: %w", err)
		}
		jar.SetCookies(base, cookies)
	}

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Agent{
		config:   config,
		base:     base,
		client:   &http.Client{Jar: jar, Timeout: timeout},
		logger:   logger,
		now:      time.Now,
		sessions: make(map[agent.SurfaceRef]*session),
	}, nil
}

// FindOrOpen reuses the most recently opened session or opens a new one on
// the start page.
func (a *Agent) FindOrOpen(ctx context.Context) (agent.SurfaceRef, error) {
	a.mu.Lock()
	if n := len(a.order); n > 0 {
		ref := a.order[n-1]
		a.mu.Unlock()
		return ref, nil
	}
	a.mu.Unlock()

	start, err := a.base.Parse(a.config.StartPath)
	if err != nil {
		return "", fmt.Errorf("resolve start path: %w", err)
	}

	s := &session{url: start}
	if err := a.load(ctx, s, start, ""); err != nil {
		return "", fmt.Errorf("%w: %v", agent.ErrNoSurface, err)
	}

	ref := agent.SurfaceRef("page-" + uuid.NewString()[:8])
	a.mu.Lock()
	a.sessions[ref] = s
	a.order = append(a.order, ref)
	a.mu.Unlock()

	a.logger.Info("opened page session", "surface", ref, "url", start.String())
	return ref, nil
}

func (a *Agent) session(ref agent.SurfaceRef) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[ref]
	if !ok {
		return nil, agent.ErrSurfaceClosed
	}
	return s, nil
}

// WaitReady makes sure the session holds a loaded document, reloading the
// current URL when a previous load failed.
func (a *Agent) WaitReady(ctx context.Context, ref agent.SurfaceRef) error {
	s, err := a.session(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc != nil {
		return nil
	}
	return a.load(ctx, s, s.url, "")
}

// Rebind has nothing to re-attach in process; it behaves like WaitReady.
func (a *Agent) Rebind(ctx context.Context, ref agent.SurfaceRef) error {
	return a.WaitReady(ctx, ref)
}

// Call runs one command against the session's current document.
func (a *Agent) Call(ctx context.Context, ref agent.SurfaceRef, req agent.Request) (agent.Response, error) {
	s, err := a.session(ref)
	if err != nil {
		return agent.Response{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return agent.Response{}, fmt.Errorf("surface %s has no document loaded", ref)
	}

	switch req.Command {
	case agent.CmdCheckAuth:
		return agent.Response{Authenticated: hasLogout(s.doc)}, nil

	case agent.CmdIsOnTargetSection:
		return agent.Response{OnTarget: a.onTarget(s.url)}, nil

	case agent.CmdNavigateToSection:
		href, ok := sectionLink(s.doc, a.config.SectionMarker)
		if !ok {
			a.logger.Warn("section link not found", "surface", ref, "url", s.url.String())
			return agent.Response{Navigated: false}, nil
		}
		if err := a.follow(ctx, s, href); err != nil {
			return agent.Response{}, err
		}
		return agent.Response{Navigated: true}, nil

	case agent.CmdParsePage:
		return agent.Response{
			Candidates:  ParseListing(s.doc, a.now().Year(), a.config.MinAgeYears),
			HasNextPage: s.doc.Find("a.next").Length() > 0,
		}, nil

	case agent.CmdClickNext:
		href, ok := s.doc.Find("a.next").First().Attr("href")
		if !ok || href == "" {
			return agent.Response{Accepted: false}, nil
		}
		if err := a.follow(ctx, s, href); err != nil {
			return agent.Response{}, err
		}
		return agent.Response{Accepted: true}, nil

	case agent.CmdGetDiagnostics:
		return agent.Response{Diagnostics: Diagnose(s.doc, s.url.String())}, nil
	}

	return agent.Response{}, fmt.Errorf("%w: %s", agent.ErrUnknownCommand, req.Command)
}

// Close drops every session.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = make(map[agent.SurfaceRef]*session)
	a.order = nil
	a.client.CloseIdleConnections()
	return nil
}

func (a *Agent) onTarget(u *url.URL) bool {
	marker := strings.ToLower(a.config.SectionMarker)
	return marker != "" && strings.Contains(strings.ToLower(u.String()), marker)
}

// follow loads href relative to the session's current URL.
func (a *Agent) follow(ctx context.Context, s *session, href string) error {
	next, err := s.url.Parse(href)
	if err != nil {
		return fmt.Errorf("resolve link %q: %w", href, err)
	}
	return a.load(ctx, s, next, s.url.String())
}

// load fetches target into s. On failure the session keeps its URL but
// loses its document so the next WaitReady retries the load.
func (a *Agent) load(ctx context.Context, s *session, target *url.URL, referer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	s.url = target
	s.doc = nil

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("parse %s: %w", target, err)
	}

	s.url = resp.Request.URL
	s.doc = doc
	a.logger.Debug("page loaded", "url", s.url.String(), "status", resp.StatusCode)
	return nil
}
