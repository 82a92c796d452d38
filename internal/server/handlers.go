package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/orchestrator"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Controller is the run controller the handlers drive. *orchestrator.Orchestrator
// implements it.
type Controller interface {
	StartRun(ctx context.Context, target int) (string, error)
	CancelRun() bool
	ActiveRunSnapshot(ctx context.Context) (*orchestrator.RunState, error)
	ListRuns(ctx context.Context, limit int) ([]orchestrator.Run, error)
	Results(ctx context.Context, runID string) ([]orchestrator.Result, error)
	History(ctx context.Context, limit int) ([]orchestrator.Result, error)
	ClearHistory(ctx context.Context) (int, error)
}

// Pinger reports database health
type Pinger interface {
	PingContext(ctx context.Context) error
}

type surfaceLister interface {
	Surfaces() []agent.SurfaceRef
}

// Handlers holds the HTTP handler dependencies
type Handlers struct {
	controller   Controller
	broker       *Broker
	db           Pinger
	bridge       http.Handler
	logger       *slog.Logger
	version      string
	maxBodyBytes int64
	sseKeepalive time.Duration
}

// StartRunRequest is the body of POST /v1/runs
type StartRunRequest struct {
	TargetCount int `json:"target_count"`
}

// StartRunResponse is returned when a run starts
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// CancelResponse reports whether a run was signalled
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ActiveRunResponse is the body of GET /v1/runs/active
type ActiveRunResponse struct {
	Active bool                   `json:"active"`
	State  *orchestrator.RunState `json:"state,omitempty"`
}

// ClearHistoryResponse reports how many runs were removed
type ClearHistoryResponse struct {
	RunsRemoved int `json:"runs_removed"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Agents   *int   `json:"agents,omitempty"`
	Version  string `json:"version"`
}

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req StartRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	runID, err := h.controller.StartRun(r.Context(), req.TargetCount)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		respondError(w, r, http.StatusConflict, ErrCodeConflict, "a search is already running")
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "service is shutting down")
		return
	case err != nil:
		h.logger.Error("start run failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not start search")
		return
	}

	respond(w, r, http.StatusAccepted, StartRunResponse{RunID: runID})
}

// HandleCancelRun handles DELETE /v1/runs/active.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, CancelResponse{Cancelled: h.controller.CancelRun()})
}

// HandleActiveRun handles GET /v1/runs/active.
func (h *Handlers) HandleActiveRun(w http.ResponseWriter, r *http.Request) {
	state, err := h.controller.ActiveRunSnapshot(r.Context())
	if err != nil {
		h.logger.Error("load active run failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not load active run")
		return
	}
	respond(w, r, http.StatusOK, ActiveRunResponse{Active: state != nil, State: state})
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := h.controller.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not list runs")
		return
	}
	respond(w, r, http.StatusOK, runs)
}

// HandleRunResults handles GET /v1/runs/{run_id}/results.
func (h *Handlers) HandleRunResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.controller.Results(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.logger.Error("list results failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not list results")
		return
	}
	respond(w, r, http.StatusOK, results)
}

// HandleHistory handles GET /v1/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	results, err := h.controller.History(r.Context(), limit)
	if err != nil {
		h.logger.Error("load history failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not load history")
		return
	}
	respond(w, r, http.StatusOK, results)
}

// HandleClearHistory handles DELETE /v1/history.
func (h *Handlers) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := h.controller.ClearHistory(r.Context())
	if err != nil {
		h.logger.Error("clear history failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not clear history")
		return
	}
	respond(w, r, http.StatusOK, ClearHistoryResponse{RunsRemoved: n})
}

// HandleEvents handles GET /v1/events (SSE). A new subscriber first gets
// the active-run snapshot, then live events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so nothing falls in between.
	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	if state, err := h.controller.ActiveRunSnapshot(r.Context()); err != nil {
		h.logger.Warn("snapshot for subscriber failed", "error", err)
	} else if state != nil {
		if data, err := json.Marshal(state); err == nil {
			_, _ = w.Write(formatSSE("snapshot", string(data)))
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Database: "connected",
		Version:  h.version,
	}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}

	if lister, ok := h.bridge.(surfaceLister); ok {
		n := len(lister.Surfaces())
		resp.Agents = &n
	}

	respond(w, r, status, resp)
}

// parseLimit reads ?limit=, defaulting to 50 and capping at 500.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, maxListLimit), true
}
