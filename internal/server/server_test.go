package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/orchestrator"
	"github.com/livinlefevreloca/dropscout/internal/testutil"
)

// ==============================================================================
// Fakes
// ==============================================================================

type fakeController struct {
	mu sync.Mutex

	startErr   error
	startPanic bool
	targets    []int
	cancelled  bool
	snapshot   *orchestrator.RunState
	runs       []orchestrator.Run
	results    []orchestrator.Result
	limits     []int
	cleared    int
}

func (c *fakeController) StartRun(ctx context.Context, target int) (string, error) {
	if c.startPanic {
		panic("controller exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, target)
	if c.startErr != nil {
		return "", c.startErr
	}
	return "run-123", nil
}

func (c *fakeController) CancelRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *fakeController) ActiveRunSnapshot(ctx context.Context) (*orchestrator.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot, nil
}

func (c *fakeController) ListRuns(ctx context.Context, limit int) ([]orchestrator.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = append(c.limits, limit)
	return c.runs, nil
}

func (c *fakeController) Results(ctx context.Context, runID string) ([]orchestrator.Result, error) {
	var out []orchestrator.Result
	for _, r := range c.results {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *fakeController) History(ctx context.Context, limit int) ([]orchestrator.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = append(c.limits, limit)
	return c.results, nil
}

func (c *fakeController) ClearHistory(ctx context.Context) (int, error) {
	return c.cleared, nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

type fakeBridge struct{ surfaces []agent.SurfaceRef }

func (b fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (b fakeBridge) Surfaces() []agent.SurfaceRef { return b.surfaces }

// ==============================================================================
// Helpers
// ==============================================================================

type testServer struct {
	url        string
	controller *fakeController
	broker     *Broker
	logs       *testutil.TestLogger
}

func newTestServer(t *testing.T, controller *fakeController, db Pinger, bridge http.Handler) *testServer {
	t.Helper()
	logs := testutil.NewTestLogger()
	broker := NewBroker(logs.Logger())

	cfg := DefaultConfig()
	cfg.SSEKeepalive = time.Hour
	srv := New(ServerConfig{
		Controller:  controller,
		Broker:      broker,
		DB:          db,
		AgentBridge: bridge,
		Logger:      logs.Logger(),
		Version:     "test",
		HTTP:        cfg,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{url: ts.URL, controller: controller, broker: broker, logs: logs}
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var envelope struct {
		Data T            `json:"data"`
		Meta ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.NotEmpty(t, envelope.Meta.RequestID)
	assert.False(t, envelope.Meta.Timestamp.IsZero())
	return envelope.Data
}

func decodeError(t *testing.T, resp *http.Response) ErrorDetail {
	t.Helper()
	var envelope APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error
}

// ==============================================================================
// Run control
// ==============================================================================

func TestStartRun(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil, nil)

	resp := doRequest(t, http.MethodPost, ts.url+"/v1/runs", `{"target_count": 10}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := decodeData[StartRunResponse](t, resp)
	assert.Equal(t, "run-123", data.RunID)
	assert.Equal(t, []int{10}, ts.controller.targets)
}

func TestStartRun_Errors(t *testing.T) {
	tests := []struct {
		name       string
		startErr   error
		body       string
		wantStatus int
		wantCode   string
	}{
		{"already running", orchestrator.ErrAlreadyRunning, `{"target_count": 5}`, http.StatusConflict, ErrCodeConflict},
		{"shutting down", orchestrator.ErrShuttingDown, `{"target_count": 5}`, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"store failure", errors.New("disk full"), `{"target_count": 5}`, http.StatusInternalServerError, ErrCodeInternalError},
		{"malformed body", nil, `{"target_count":`, http.StatusBadRequest, ErrCodeInvalidInput},
		{"unknown field", nil, `{"count": 5}`, http.StatusBadRequest, ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeController{startErr: tt.startErr}, nil, nil)

			resp := doRequest(t, http.MethodPost, ts.url+"/v1/runs", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeError(t, resp).Code)
		})
	}
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t, &fakeController{cancelled: true}, nil, nil)

	resp := doRequest(t, http.MethodDelete, ts.url+"/v1/runs/active", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeData[CancelResponse](t, resp).Cancelled)
}

func TestActiveRun(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		ts := newTestServer(t, &fakeController{}, nil, nil)

		resp := doRequest(t, http.MethodGet, ts.url+"/v1/runs/active", "")
		data := decodeData[ActiveRunResponse](t, resp)
		assert.False(t, data.Active)
		assert.Nil(t, data.State)
	})

	t.Run("running", func(t *testing.T) {
		ts := newTestServer(t, &fakeController{snapshot: &orchestrator.RunState{
			RunID:       "run-9",
			TargetCount: 10,
			Stage:       orchestrator.StageScraping,
			Message:     "Reading page 2",
			Progress:    41,
		}}, nil, nil)

		resp := doRequest(t, http.MethodGet, ts.url+"/v1/runs/active", "")
		data := decodeData[ActiveRunResponse](t, resp)
		assert.True(t, data.Active)
		require.NotNil(t, data.State)
		assert.Equal(t, "run-9", data.State.RunID)
		assert.Equal(t, orchestrator.StageScraping, data.State.Stage)
		assert.Equal(t, float64(41), data.State.Progress)
	})
}

// ==============================================================================
// History
// ==============================================================================

func TestListEndpoints_Limit(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"default", "", http.StatusOK, 50},
		{"explicit", "?limit=5", http.StatusOK, 5},
		{"capped", "?limit=10000", http.StatusOK, 500},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"garbage", "?limit=ten", http.StatusBadRequest, 0},
	}

	for _, path := range []string{"/v1/runs", "/v1/history"} {
		for _, tt := range tests {
			t.Run(path+" "+tt.name, func(t *testing.T) {
				ts := newTestServer(t, &fakeController{}, nil, nil)

				resp := doRequest(t, http.MethodGet, ts.url+path+tt.query, "")
				assert.Equal(t, tt.wantStatus, resp.StatusCode)
				if tt.wantStatus == http.StatusOK {
					assert.Equal(t, []int{tt.wantLimit}, ts.controller.limits)
				} else {
					assert.Empty(t, ts.controller.limits)
				}
			})
		}
	}
}

func TestHistory(t *testing.T) {
	found := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	ts := newTestServer(t, &fakeController{results: []orchestrator.Result{
		{RunID: "run-1", Candidate: orchestrator.Candidate{Name: "amber.com", Status: "available", SourcePage: 1, FoundAt: found}},
		{RunID: "run-2", Candidate: orchestrator.Candidate{Name: "birch.com", Status: "taken", SourcePage: 3, FoundAt: found}},
	}}, nil, nil)

	resp := doRequest(t, http.MethodGet, ts.url+"/v1/history", "")
	results := decodeData[[]orchestrator.Result](t, resp)
	require.Len(t, results, 2)
	assert.Equal(t, "amber.com", results[0].Name)
	assert.Equal(t, "run-1", results[0].RunID)

	resp = doRequest(t, http.MethodGet, ts.url+"/v1/runs/run-2/results", "")
	results = decodeData[[]orchestrator.Result](t, resp)
	require.Len(t, results, 1)
	assert.Equal(t, "birch.com", results[0].Name)
	assert.Equal(t, 3, results[0].SourcePage)
}

func TestClearHistory(t *testing.T) {
	ts := newTestServer(t, &fakeController{cleared: 4}, nil, nil)

	resp := doRequest(t, http.MethodDelete, ts.url+"/v1/history", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, decodeData[ClearHistoryResponse](t, resp).RunsRemoved)
}

// ==============================================================================
// Event stream
// ==============================================================================

func TestEvents_SnapshotThenLive(t *testing.T) {
	ts := newTestServer(t, &fakeController{snapshot: &orchestrator.RunState{
		RunID: "run-1", TargetCount: 10, Stage: orchestrator.StageVerifying, Message: "Checking", Progress: 72,
	}}, nil, nil)

	resp := doRequest(t, http.MethodGet, ts.url+"/v1/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return name, data
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	name, data := readEvent()
	assert.Equal(t, "snapshot", name)
	var snapshot orchestrator.RunState
	require.NoError(t, json.Unmarshal([]byte(data), &snapshot))
	assert.Equal(t, "run-1", snapshot.RunID)
	assert.Equal(t, float64(72), snapshot.Progress)

	ts.broker.Publish(orchestrator.Event{
		RunID:    "run-1",
		Kind:     orchestrator.EventDone,
		Stage:    orchestrator.StageCompleted,
		Message:  "Done. Found 3 available domains out of 9 checked.",
		Progress: 100,
	})

	name, data = readEvent()
	assert.Equal(t, "done", name)
	var ev orchestrator.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, orchestrator.StageCompleted, ev.Stage)
	assert.Equal(t, float64(100), ev.Progress)
}

func TestEvents_UnsubscribeOnDisconnect(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.url+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool { return ts.broker.Subscribers() == 1 }, time.Second, "subscriber never registered")

	cancel()
	_ = resp.Body.Close()

	testutil.WaitFor(t, func() bool { return ts.broker.Subscribers() == 0 }, time.Second, "subscriber never removed")
}

// ==============================================================================
// Health, bridge and middleware
// ==============================================================================

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		bridge := fakeBridge{surfaces: []agent.SurfaceRef{"surface-1", "surface-2"}}
		ts := newTestServer(t, &fakeController{}, fakePinger{}, bridge)

		resp := doRequest(t, http.MethodGet, ts.url+"/health", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		data := decodeData[HealthResponse](t, resp)
		assert.Equal(t, "healthy", data.Status)
		assert.Equal(t, "connected", data.Database)
		assert.Equal(t, "test", data.Version)
		require.NotNil(t, data.Agents)
		assert.Equal(t, 2, *data.Agents)
	})

	t.Run("database down", func(t *testing.T) {
		ts := newTestServer(t, &fakeController{}, fakePinger{err: errors.New("connection refused")}, nil)

		resp := doRequest(t, http.MethodGet, ts.url+"/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		data := decodeData[HealthResponse](t, resp)
		assert.Equal(t, "unhealthy", data.Status)
		assert.Equal(t, "disconnected", data.Database)
		assert.Nil(t, data.Agents)
	})
}

func TestAgentBridgeRoute(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil, fakeBridge{})
	resp := doRequest(t, http.MethodGet, ts.url+"/v1/agent/connect", "")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	without := newTestServer(t, &fakeController{}, nil, nil)
	resp = doRequest(t, http.MethodGet, without.url+"/v1/agent/connect", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil, nil)

	req, err := http.NewRequest(http.MethodGet, ts.url+"/v1/runs/active", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	var envelope APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "req-42", envelope.Meta.RequestID)
}

func TestRecoverPanics(t *testing.T) {
	ts := newTestServer(t, &fakeController{startPanic: true}, nil, nil)

	resp := doRequest(t, http.MethodPost, ts.url+"/v1/runs", `{"target_count": 1}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, resp).Code)
	assert.True(t, ts.logs.HasMessage("http handler panic"))
}

func TestRequestLogCarriesRoute(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil, nil)

	doRequest(t, http.MethodGet, ts.url+"/v1/runs/active", "").Body.Close()
	doRequest(t, http.MethodGet, ts.url+"/v1/nowhere", "").Body.Close()

	routes := func() []any {
		var out []any
		for _, e := range ts.logs.Entries() {
			if e.Message == "http request" {
				out = append(out, e.Fields["route"])
			}
		}
		return out
	}
	testutil.WaitFor(t, func() bool { return len(routes()) == 2 }, time.Second, "request log lines")
	assert.ElementsMatch(t, []any{"GET /v1/runs/active", "unmatched"}, routes())
	assert.True(t, ts.logs.HasWarning(), "a 404 logs at warn")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil, nil)
	resp := doRequest(t, http.MethodPut, ts.url+"/v1/runs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8787", cfg.Addr())

	bad := cfg
	bad.Port = 70000
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.SSEKeepalive = 0
	assert.Error(t, bad.Validate())
}
