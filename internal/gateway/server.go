// Package gateway hosts the broker's network surfaces: the agent
// WebSocket RPC endpoint and the frontend REST/SSE API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/config"
	"github.com/harryaskham/io-mcp/internal/dispatch"
	"github.com/harryaskham/io-mcp/internal/logging"
	"github.com/harryaskham/io-mcp/internal/session"
	"github.com/harryaskham/io-mcp/internal/tts"
	"github.com/harryaskham/io-mcp/internal/version"
)

var (
	ErrConnClosed = errors.New("agent connection closed")
)

// KeySink receives operator key presses pushed by frontends, delivered
// to the presenter as if typed. Implemented by the presenter.
type KeySink interface {
	Key(key string)
}

// Server is the io-mcp broker HTTP + WebSocket server.
type Server struct {
	cfg        config.GatewayConfig
	auth       ResolvedAuth
	log        *logging.Logger
	conns      *ConnRegistry
	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
	engine     *tts.Engine
	bus        *bus.Bus
	keys       KeySink

	startedAt  time.Time
	httpServer *http.Server
	listenAddr string
	ready      chan struct{}
	upgrader   websocket.Upgrader
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithKeySink routes frontend key presses to the presenter.
func WithKeySink(k KeySink) ServerOption {
	return func(s *Server) { s.keys = k }
}

// New creates the gateway server.
func New(cfg config.GatewayConfig, d *dispatch.Dispatcher, reg *session.Registry, engine *tts.Engine, b *bus.Bus, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:        cfg,
		auth:       ResolveAuth(cfg.Auth),
		log:        log.Sub("gateway"),
		conns:      NewConnRegistry(log.Sub("conns")),
		dispatcher: d,
		registry:   reg,
		engine:     engine,
		bus:        b,
		ready: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkWebSocketOrigin validates WebSocket Origin headers. Requests with
// no Origin (non-browser clients) are always allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return isOriginAllowed(origin, allowed)
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening. It blocks until the context is cancelled or an
// error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := withMiddleware(mux, s.log, s.cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startedAt = time.Now()
	s.listenAddr = ln.Addr().String()
	close(s.ready)
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("auth", s.auth.Mode).
		Msg("gateway listening")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.conns.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's bound listen address, or empty string if
// not started.
func (s *Server) Addr() string {
	return s.listenAddr
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// handleWebSocket upgrades an agent connection and runs its read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	agent, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		conn.Close()
		return
	}

	s.conns.Add(agent)
	defer func() {
		s.conns.Remove(agent.ConnID)
		// Orphaned in-flight calls would wedge the session's inbox behind
		// items nobody is waiting on; cancel them with the agent.
		agent.CancelAll()
		agent.Close()
	}()

	s.readLoop(agent)
}

// handshake performs the agent authentication handshake. The first frame
// must be a "connect" request; its params carry identity and credentials.
func (s *Server) handshake(conn *websocket.Conn) (*AgentConn, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}

	authResult := Authorize(s.auth, params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, "unauthorized", authResult.Reason)
		return nil, fmt.Errorf("auth failed: %s", authResult.Reason)
	}

	conn.SetReadDeadline(time.Time{})

	// Session identity is transport-provided and stable per agent
	// connection; an agent without one gets a fresh id for this
	// connection's lifetime.
	sessionID := params.Client.InstanceID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	agent := NewAgentConn(conn, params.Client, sessionID, s.log.Sub("ws"))

	hello := HelloOK{
		Protocol:  ProtocolVersion,
		Version:   version.Full(),
		SessionID: sessionID,
		Tools:     s.dispatcher.Tools(),
	}
	resp, err := NewResponse(frame.ID, hello)
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", agent.ConnID).
		Str("session", sessionID).
		Str("agent", params.Client.DisplayName).
		Msg("agent authenticated")

	return agent, nil
}

// readLoop processes incoming frames from an authenticated agent.
// Requests block (present_choices waits on the operator), so each one
// runs on its own goroutine; cancel frames abort in-flight requests.
func (s *Server) readLoop(agent *AgentConn) {
	for {
		frame, err := agent.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", agent.ConnID).Msg("agent closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", agent.ConnID).Msg("read error")
			}
			return
		}

		switch frame.Type {
		case FrameTypeRequest:
			go s.serveRequest(agent, frame)
		case FrameTypeCancel:
			s.serveCancel(agent, frame)
		default:
			s.log.Debug().Str("type", frame.Type).Msg("ignoring frame")
		}
	}
}

// serveRequest runs one tool call to completion and responds.
func (s *Server) serveRequest(agent *AgentConn, frame Frame) {
	ctx, cancel := context.WithCancel(context.Background())
	agent.Track(frame.ID, cancel)
	defer func() {
		agent.Untrack(frame.ID)
		cancel()
	}()

	payload, toolErr := s.dispatcher.Handle(ctx, agent.SessionID, frame.ID, frame.Method, frame.Params)
	if toolErr != nil {
		agent.RespondError(frame.ID, ErrorShape{Code: toolErr.Code, Message: toolErr.Message})
		return
	}
	if err := agent.Respond(frame.ID, payload); err != nil {
		s.log.Warn().Err(err).Str("method", frame.Method).Msg("failed to send response")
	}
}

// serveCancel aborts the in-flight request named by the frame id. The
// dispatcher additionally cancels the inbox item registered under the
// call id, covering items still queued behind the head.
func (s *Server) serveCancel(agent *AgentConn, frame Frame) {
	s.dispatcher.Cancel(agent.SessionID, frame.ID)
	agent.CancelInflight(frame.ID)
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
