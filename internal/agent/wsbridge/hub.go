// Package wsbridge hosts remote scrape agents that connect over a websocket.
//
// A browser-side agent opens /v1/agent/connect, announces the surface it
// lives on with a hello frame and then answers request frames. Navigation
// tears the agent down; when it comes back it reconnects under the same
// surface id and the hub routes new requests to the new connection.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/inbox"
)

// Frame types
const (
	FrameHello    = "hello"
	FrameStatus   = "status"
	FrameResponse = "response"
	FrameRequest  = "request"
	FrameRebind   = "rebind"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	helloWait      = 10 * time.Second
	outboxSize     = 16
	outboxTimeout  = 2 * time.Second
	maxMessageSize = 4 << 20
)

// Frame is the single JSON message shape exchanged with agents.
type Frame struct {
	Type    string          `json:"type"`
	Surface string          `json:"surface,omitempty"`
	URL     string          `json:"url,omitempty"`
	Ready   bool            `json:"ready,omitempty"`
	ID      string          `json:"id,omitempty"`
	Command agent.Command   `json:"command,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Result  *agent.Response `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Hub implements agent.Host for websocket-connected agents and serves the
// upgrade endpoint.
type Hub struct {
	config   agent.Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[agent.SurfaceRef]*conn
	changed chan struct{}
	closed  bool
}

type conn struct {
	surface agent.SurfaceRef
	ws      *websocket.Conn
	out     *inbox.Inbox[Frame]
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	pending  map[string]chan Frame
	ready    bool
	url      string
	lastSeen time.Time
}

// NewHub creates a hub. Agents may connect from any origin; the endpoint is
// expected to be bound to localhost.
func NewHub(config agent.Config, logger *slog.Logger) *Hub {
	return &Hub{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:   make(map[agent.SurfaceRef]*conn),
		changed: make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and serves one agent connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	var hello Frame
	_ = ws.SetReadDeadline(time.Now().Add(helloWait))
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != FrameHello {
		h.logger.Warn("agent did not say hello", "error", err, "type", hello.Type, "remote", r.RemoteAddr)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected hello"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	if hello.Surface == "" {
		hello.Surface = uuid.NewString()
	}

	c := &conn{
		surface:  agent.SurfaceRef(hello.Surface),
		ws:       ws,
		out:      inbox.New[Frame](outboxSize, outboxTimeout, h.logger),
		done:     make(chan struct{}),
		pending:  make(map[string]chan Frame),
		ready:    hello.Ready,
		url:      hello.URL,
		lastSeen: time.Now(),
	}

	if !h.register(c) {
		ws.Close()
		return
	}
	h.logger.Info("agent connected", "surface", c.surface, "url", c.url, "ready", c.ready)

	ctx, cancel := context.WithCancel(r.Context())
	go h.writeLoop(ctx, c)
	go h.pingLoop(ctx, c)

	h.readLoop(c)
	cancel()
	h.unregister(c)
	h.logger.Info("agent disconnected", "surface", c.surface)
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if old, ok := h.conns[c.surface]; ok {
		// A re-injected agent replaces its predecessor on the same surface.
		old.shutdown()
	}
	h.conns[c.surface] = c
	h.notifyLocked()
	return true
}

func (h *Hub) unregister(c *conn) {
	c.shutdown()

	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.surface]; ok && cur == c {
		delete(h.conns, c.surface)
	}
	h.notifyLocked()
}

// notifyLocked wakes everyone waiting for a change in connection state.
func (h *Hub) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Hub) readLoop(c *conn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("agent read failed", "surface", c.surface, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case FrameStatus:
			c.mu.Lock()
			c.ready = f.Ready
			if f.URL != "" {
				c.url = f.URL
			}
			c.lastSeen = time.Now()
			c.mu.Unlock()

			h.mu.Lock()
			h.notifyLocked()
			h.mu.Unlock()

		case FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.lastSeen = time.Now()
			c.mu.Unlock()
			if !ok {
				h.logger.Debug("response for unknown request", "surface", c.surface, "id", f.ID)
				continue
			}
			ch <- f

		default:
			h.logger.Debug("ignoring agent frame", "surface", c.surface, "type", f.Type)
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		f, ok := c.out.ReceiveContext(ctx)
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(f); err != nil {
			h.logger.Warn("agent write failed", "surface", c.surface, "error", err)
			c.ws.Close()
			return
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// shutdown closes the socket and fails every pending request.
func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.out.Close()
		c.ws.Close()
	})
}

func (h *Hub) lookup(ref agent.SurfaceRef) (*conn, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[ref], h.changed
}

// FindOrOpen returns the most recently active connected surface, waiting
// for one to connect until ctx is done. The hub cannot open surfaces itself.
func (h *Hub) FindOrOpen(ctx context.Context) (agent.SurfaceRef, error) {
	for {
		h.mu.Lock()
		var best *conn
		var bestSeen time.Time
		for _, c := range h.conns {
			c.mu.Lock()
			seen := c.lastSeen
			c.mu.Unlock()
			if best == nil || seen.After(bestSeen) {
				best, bestSeen = c, seen
			}
		}
		changed := h.changed
		h.mu.Unlock()

		if best != nil {
			return best.surface, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: no agent connected: %v", agent.ErrNoSurface, ctx.Err())
		}
	}
}

// WaitReady blocks until ref is connected and its agent reports ready.
func (h *Hub) WaitReady(ctx context.Context, ref agent.SurfaceRef) error {
	ticker := time.NewTicker(h.pollInterval())
	defer ticker.Stop()

	for {
		c, changed := h.lookup(ref)
		if c != nil {
			c.mu.Lock()
			ready := c.ready
			c.mu.Unlock()
			if ready {
				return nil
			}
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			if c == nil {
				return fmt.Errorf("surface %s not connected: %w", ref, ctx.Err())
			}
			return fmt.Errorf("surface %s not ready: %w", ref, ctx.Err())
		}
	}
}

// Rebind asks the agent on ref to re-initialise itself. When no agent is
// connected it waits, bounded by ReadyTimeout, for one to reconnect.
func (h *Hub) Rebind(ctx context.Context, ref agent.SurfaceRef) error {
	waitCtx, cancel := context.WithTimeout(ctx, h.config.ReadyTimeout)
	defer cancel()

	for {
		c, changed := h.lookup(ref)
		if c != nil {
			c.mu.Lock()
			c.ready = false
			c.mu.Unlock()
			if !c.out.Send(Frame{Type: FrameRebind}) {
				return agent.ErrSurfaceClosed
			}
			return nil
		}

		select {
		case <-changed:
		case <-waitCtx.Done():
			return fmt.Errorf("surface %s did not reconnect: %w", ref, waitCtx.Err())
		}
	}
}

// Call sends req to the agent on ref and waits for the matching response.
func (h *Hub) Call(ctx context.Context, ref agent.SurfaceRef, req agent.Request) (agent.Response, error) {
	c, _ := h.lookup(ref)
	if c == nil {
		return agent.Response{}, agent.ErrSurfaceClosed
	}

	reply := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[req.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if !c.out.Send(Frame{Type: FrameRequest, ID: req.ID, Command: req.Command}) {
		return agent.Response{}, agent.ErrSurfaceClosed
	}

	select {
	case f := <-reply:
		if !f.OK {
			if f.Error == "unknown command" {
				return agent.Response{}, fmt.Errorf("%w: %s", agent.ErrUnknownCommand, req.Command)
			}
			return agent.Response{}, errors.New(f.Error)
		}
		if f.Result == nil {
			return agent.Response{}, nil
		}
		return *f.Result, nil
	case <-c.done:
		return agent.Response{}, agent.ErrSurfaceClosed
	case <-ctx.Done():
		return agent.Response{}, ctx.Err()
	}
}

// Surfaces lists the connected surfaces.
func (h *Hub) Surfaces() []agent.SurfaceRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	refs := make([]agent.SurfaceRef, 0, len(h.conns))
	for ref := range h.conns {
		refs = append(refs, ref)
	}
	return refs
}

// Close disconnects every agent and rejects new connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, c := range h.conns {
		c.shutdown()
	}
	h.notifyLocked()
	return nil
}

func (h *Hub) pollInterval() time.Duration {
	if h.config.ReadyPoll > 0 {
		return h.config.ReadyPoll
	}
	return 250 * time.Millisecond
}
