package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/db"
	"github.com/livinlefevreloca/dropscout/internal/pacing"
	"github.com/livinlefevreloca/dropscout/internal/testutil"
	"github.com/livinlefevreloca/dropscout/internal/verify"
	"github.com/livinlefevreloca/dropscout/tools/migrator"
)

// ==============================================================================
// Fake agent
// ==============================================================================

// fakeAgent serves scripted listing pages and records every call
type fakeAgent struct {
	mu sync.Mutex

	authenticated bool
	onTarget      bool
	canNavigate   bool
	pages         [][]agent.Candidate
	lastPageNext  bool // hasNext on the final scripted page
	locateErr     error
	locatePanic   bool
	authErr       error
	parseErr      error
	diagnostics   *agent.Diagnostics

	page  int
	calls []string

	// blockOn holds the named call until release is closed
	blockOn string
	entered chan struct{}
	release chan struct{}
}

func newFakeAgent(pages ...[]agent.Candidate) *fakeAgent {
	return &fakeAgent{
		authenticated: true,
		onTarget:      true,
		canNavigate:   true,
		pages:         pages,
		lastPageNext:  true,
		diagnostics:   &agent.Diagnostics{URL: "https://listing.test/deleted", HasTable: true, HasLogout: true},
	}
}

func (f *fakeAgent) blockAt(call string) {
	f.blockOn = call
	f.entered = make(chan struct{})
	f.release = make(chan struct{})
}

func (f *fakeAgent) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	block := f.blockOn == call
	if block {
		f.blockOn = ""
	}
	f.mu.Unlock()

	if block {
		close(f.entered)
		<-f.release
	}
}

func (f *fakeAgent) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAgent) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeAgent) Locate(ctx context.Context) (agent.SurfaceRef, error) {
	f.record("locate")
	if f.locatePanic {
		panic("surface vanished")
	}
	if f.locateErr != nil {
		return "", f.locateErr
	}
	return "surface-1", nil
}

func (f *fakeAgent) CheckAuth(ctx context.Context, ref agent.SurfaceRef) (bool, error) {
	f.record("check_auth")
	return f.authenticated, f.authErr
}

func (f *fakeAgent) IsOnTargetSection(ctx context.Context, ref agent.SurfaceRef) (bool, error) {
	f.record("is_on_target_section")
	return f.onTarget, nil
}

func (f *fakeAgent) NavigateToSection(ctx context.Context, ref agent.SurfaceRef) (bool, error) {
	f.record("navigate_to_section")
	return f.canNavigate, nil
}

func (f *fakeAgent) ParsePage(ctx context.Context, ref agent.SurfaceRef) ([]agent.Candidate, bool, error) {
	f.record("parse_page")
	if f.parseErr != nil {
		return nil, false, f.parseErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.page >= len(f.pages) {
		return nil, true, nil
	}
	hasNext := f.page < len(f.pages)-1 || f.lastPageNext
	return f.pages[f.page], hasNext, nil
}

func (f *fakeAgent) ClickNext(ctx context.Context, ref agent.SurfaceRef) (bool, error) {
	f.record("click_next")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page++
	return true, nil
}

func (f *fakeAgent) Diagnostics(ctx context.Context, ref agent.SurfaceRef) (*agent.Diagnostics, error) {
	f.record("get_diagnostics")
	return f.diagnostics, nil
}

func (f *fakeAgent) AfterNavigation(ctx context.Context, ref agent.SurfaceRef) error {
	f.record("after_navigation")
	return nil
}

// makePage builds n candidates named <prefix>-<i>.com
func makePage(prefix string, n int) []agent.Candidate {
	out := make([]agent.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, agent.Candidate{
			Name:          fmt.Sprintf("%s-%02d.com", prefix, i),
			BacklinkScore: 100 + i,
			AgeYears:      6 + i%4,
		})
	}
	return out
}

// ==============================================================================
// Fake classifier
// ==============================================================================

type fakeClassifier struct {
	mu      sync.Mutex
	verdict func(i int, name string) verify.Status
	names   []string

	blockAfter int // block on the call with this 1-based index; 0 disables
	entered    chan struct{}
	release    chan struct{}
}

func newClassifier(verdict func(i int, name string) verify.Status) *fakeClassifier {
	return &fakeClassifier{verdict: verdict}
}

func everyThirdAvailable(i int, _ string) verify.Status {
	if i%3 == 2 {
		return verify.StatusAvailable
	}
	return verify.StatusTaken
}

func (c *fakeClassifier) Classify(ctx context.Context, name string) verify.Status {
	c.mu.Lock()
	i := len(c.names)
	c.names = append(c.names, name)
	block := c.blockAfter == i+1
	c.mu.Unlock()

	if block {
		close(c.entered)
		<-c.release
	}
	return c.verdict(i, name)
}

func (c *fakeClassifier) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// ==============================================================================
// In-memory store
// ==============================================================================

type memStore struct {
	mu      sync.Mutex
	runs    map[string]Run
	results map[string][]Candidate
	active  *RunState

	touches   int
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{
		runs:    make(map[string]Run),
		results: make(map[string][]Candidate),
	}
}

func (s *memStore) CreateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return db.ErrDuplicate
	}
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) UpdateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok || existing.CompletedAt != nil {
		return db.ErrNotFound
	}
	run.CompletedAt = nil
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) FinishRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok || existing.CompletedAt != nil {
		return db.ErrNotFound
	}
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *memStore) PruneRuns(ctx context.Context, keepRuns, keepResults int) error {
	return nil
}

func (s *memStore) UpsertResult(ctx context.Context, runID string, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if _, ok := s.runs[runID]; !ok {
		return db.ErrForeignKey
	}
	for i, existing := range s.results[runID] {
		if existing.Name == c.Name {
			c.SourcePage = existing.SourcePage
			c.FoundAt = existing.FoundAt
			s.results[runID][i] = c
			return nil
		}
	}
	s.results[runID] = append(s.results[runID], c)
	return nil
}

func (s *memStore) ListResults(ctx context.Context, runID string) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Result
	for _, c := range s.results[runID] {
		out = append(out, Result{RunID: runID, Candidate: c})
	}
	return out, nil
}

func (s *memStore) History(ctx context.Context, limit int) ([]Result, error) {
	return nil, errors.New("not implemented")
}

func (s *memStore) ClearHistory(ctx context.Context) (int, error) {
	return 0, errors.New("not implemented")
}

func (s *memStore) PutActive(ctx context.Context, state RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &state
	return nil
}

func (s *memStore) TouchActive(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.HeartbeatAt = at
		s.touches++
	}
	return nil
}

func (s *memStore) GetActive(ctx context.Context) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, nil
	}
	snapshot := *s.active
	return &snapshot, nil
}

func (s *memStore) ClearActive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	return nil
}

func (s *memStore) Run(id string) Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// ==============================================================================
// Event capture
// ==============================================================================

// eventLog captures published events and, when a store is attached, checks
// the persisted snapshot at publish time.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	store  Store

	// snapshotMismatches collects events whose snapshot did not match
	snapshotMismatches []string
}

func (l *eventLog) Publish(ev Event) {
	var mismatch string
	if l.store != nil {
		snapshot, err := l.store.GetActive(context.Background())
		switch {
		case err != nil:
			mismatch = err.Error()
		case ev.Stage.Terminal() && snapshot != nil:
			mismatch = fmt.Sprintf("%s: snapshot still present at terminal event", ev.Message)
		case !ev.Stage.Terminal() && snapshot == nil:
			mismatch = fmt.Sprintf("%s: no snapshot", ev.Message)
		case !ev.Stage.Terminal() &&
			(snapshot.Message != ev.Message || snapshot.Progress != ev.Progress || snapshot.Stage != ev.Stage):
			mismatch = fmt.Sprintf("%s: snapshot %q at %.1f", ev.Message, snapshot.Message, snapshot.Progress)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if mismatch != "" {
		l.snapshotMismatches = append(l.snapshotMismatches, mismatch)
	}
}

func (l *eventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) Last() Event {
	events := l.Events()
	if len(events) == 0 {
		return Event{}
	}
	return events[len(events)-1]
}

func (l *eventLog) OfKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range l.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) Terminal() bool {
	last := l.Last()
	return last.Kind == EventDone || last.Kind == EventError
}

// ==============================================================================
// Orchestrator fixtures
// ==============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VerifyInterval = 0
	cfg.KeepaliveInterval = 0
	return cfg
}

type harness struct {
	orch       *Orchestrator
	agent      *fakeAgent
	classifier *fakeClassifier
	store      Store
	events     *eventLog
	recorder   *StateRecorder
	logs       *testutil.TestLogger
}

func newHarness(t *testing.T, cfg Config, fa *fakeAgent, fc *fakeClassifier, store Store) *harness {
	t.Helper()
	h := buildHarness(t, cfg, fa, fc, store, nil)
	h.agent = fa
	h.classifier = fc
	return h
}

// buildHarness wires any agent, classifier and pacing policy. The fake
// fields of the returned harness are left nil.
func buildHarness(t *testing.T, cfg Config, a Agent, c verify.Classifier, store Store, policy pacing.Policy) *harness {
	t.Helper()
	if store == nil {
		store = newMemStore()
	}
	logs := testutil.NewTestLogger()
	events := &eventLog{store: store}
	recorder := NewStateRecorder()

	orch := New(cfg, a, c, store, events, policy, logs.Logger())
	orch.SetRecorder(recorder)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &harness{
		orch:     orch,
		store:    store,
		events:   events,
		recorder: recorder,
		logs:     logs,
	}
}

// start runs a search and waits for it to finish
func (h *harness) start(t *testing.T, target int) string {
	t.Helper()
	runID, err := h.orch.StartRun(context.Background(), target)
	require.NoError(t, err)
	h.wait(t)
	return runID
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	testutil.WaitFor(t, func() bool { return !h.orch.Running() }, 5*time.Second, "run did not finish")
}

func newDBStore(t *testing.T) *DBStore {
	t.Helper()
	database, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "dropscout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, migrator.RunMigrations(database.DB, db.DriverSQLite, db.Migrations()))
	return NewDBStore(database)
}

// ==============================================================================
// Pacing and agent hosts
// ==============================================================================

// breakEvery is a pacing policy with no pauses except a long break every n
// pages.
type breakEvery struct {
	n     int
	pause time.Duration
}

func (b breakEvery) PageDelay() time.Duration { return 0 }
func (b breakEvery) ReadingPause() time.Duration { return 0 }
func (b breakEvery) BreakInterval() int { return b.n }
func (b breakEvery) BreakDuration() time.Duration { return b.pause }

// failingHost is an agent host whose calls always fail. The first call is
// held until release is closed.
type failingHost struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func newFailingHost() *failingHost {
	return &failingHost{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *failingHost) FindOrOpen(ctx context.Context) (agent.SurfaceRef, error) {
	return "tab-1", nil
}

func (h *failingHost) WaitReady(ctx context.Context, ref agent.SurfaceRef) error { return nil }

func (h *failingHost) Rebind(ctx context.Context, ref agent.SurfaceRef) error { return nil }

func (h *failingHost) Call(ctx context.Context, ref agent.SurfaceRef, req agent.Request) (agent.Response, error) {
	h.mu.Lock()
	h.calls++
	first := h.calls == 1
	h.mu.Unlock()

	if first {
		close(h.entered)
		<-h.release
	}
	return agent.Response{}, errors.New("receiving end does not exist")
}

func (h *failingHost) Close() error { return nil }

func (h *failingHost) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
