package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harryaskham/io-mcp/internal/logging"
)

// AgentConn represents one authenticated agent WebSocket connection.
type AgentConn struct {
	ConnID      string
	SessionID   string
	Info        AgentInfo
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
	log    *logging.Logger

	// inflight tracks cancel funcs for requests currently being handled,
	// keyed by request id. A cancel frame or a dropped connection aborts
	// them.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// NewAgentConn creates an AgentConn for a newly authenticated socket.
func NewAgentConn(conn *websocket.Conn, info AgentInfo, sessionID string, log *logging.Logger) *AgentConn {
	return &AgentConn{
		ConnID:      uuid.New().String(),
		SessionID:   sessionID,
		Info:        info,
		Socket:      conn,
		ConnectedAt: time.Now(),
		log:         log,
		inflight:    make(map[string]context.CancelFunc),
	}
}

// Send sends a frame to the agent. Thread-safe.
func (c *AgentConn) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.Socket.WriteJSON(frame)
}

// Respond sends a success response for the given request ID.
func (c *AgentConn) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends an error response for the given request ID.
func (c *AgentConn) RespondError(reqID string, errShape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, errShape))
}

// ReadFrame reads the next frame from the WebSocket.
func (c *AgentConn) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Track registers a cancellable context for an in-flight request.
func (c *AgentConn) Track(reqID string, cancel context.CancelFunc) {
	c.inflightMu.Lock()
	c.inflight[reqID] = cancel
	c.inflightMu.Unlock()
}

// Untrack removes a completed request.
func (c *AgentConn) Untrack(reqID string) {
	c.inflightMu.Lock()
	delete(c.inflight, reqID)
	c.inflightMu.Unlock()
}

// CancelInflight aborts one in-flight request. Returns false if unknown.
func (c *AgentConn) CancelInflight(reqID string) bool {
	c.inflightMu.Lock()
	cancel, ok := c.inflight[reqID]
	c.inflightMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every in-flight request. Called when the connection
// drops so orphaned items never wedge the session's inbox.
func (c *AgentConn) CancelAll() {
	c.inflightMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.inflight = make(map[string]context.CancelFunc)
	c.inflightMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Close closes the WebSocket connection.
func (c *AgentConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// ConnRegistry tracks connected agents.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*AgentConn // connID → conn
	log   *logging.Logger
}

// NewConnRegistry creates an empty connection registry.
func NewConnRegistry(log *logging.Logger) *ConnRegistry {
	return &ConnRegistry{
		conns: make(map[string]*AgentConn),
		log:   log,
	}
}

// Add registers a connected agent.
func (r *ConnRegistry) Add(c *AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ConnID] = c
	r.log.Info().Str("connId", c.ConnID).Str("session", c.SessionID).Msg("agent connected")
}

// Remove unregisters an agent by connection ID.
func (r *ConnRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	r.log.Info().Str("connId", connID).Msg("agent disconnected")
}

// Count returns the number of connected agents.
func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection.
func (r *ConnRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
}
