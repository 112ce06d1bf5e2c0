// Package proxy is a thin agent-side pass-through that lets the broker
// restart without dropping agent connections. Agents connect to the
// proxy; the proxy dials the broker and forwards frames both ways,
// redialling with backoff when the broker goes away.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harryaskham/io-mcp/internal/logging"
)

const (
	redialInitialBackoff = 500 * time.Millisecond
	redialMaxBackoff     = 15 * time.Second
)

// Proxy accepts agent WebSocket connections and relays them to a broker.
type Proxy struct {
	listenAddr string
	brokerURL  string
	log        *logging.Logger

	upgrader websocket.Upgrader
}

// New creates a proxy listening on listenAddr and forwarding to brokerURL.
func New(listenAddr, brokerURL string, log *logging.Logger) *Proxy {
	return &Proxy{
		listenAddr: listenAddr,
		brokerURL:  brokerURL,
		log:        log.Sub("proxy"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start runs the proxy until the context is cancelled.
func (p *Proxy) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		p.handleAgent(ctx, w, r)
	})

	server := &http.Server{Addr: p.listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	p.log.Info().Str("addr", p.listenAddr).Str("broker", p.brokerURL).Msg("proxy listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleAgent relays one agent connection. The agent's connect frame is
// captured so it can be replayed after a broker restart; the replayed
// handshake's hello is swallowed because the agent already holds one.
func (p *Proxy) handleAgent(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	agent, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Error().Err(err).Msg("agent upgrade failed")
		return
	}
	defer agent.Close()

	// First frame must be the connect request; keep it for replays.
	_, connectRaw, err := agent.ReadMessage()
	if err != nil {
		return
	}
	var connectFrame map[string]any
	if err := json.Unmarshal(connectRaw, &connectFrame); err != nil {
		p.log.Warn().Err(err).Msg("agent sent malformed connect frame")
		return
	}

	firstDial := true
	for {
		broker, hello, err := p.dialBroker(ctx, connectRaw)
		if err != nil {
			p.log.Warn().Err(err).Msg("broker unreachable, giving up on agent")
			return
		}
		if firstDial {
			if err := agent.WriteMessage(websocket.TextMessage, hello); err != nil {
				broker.Close()
				return
			}
			firstDial = false
		}

		if done := p.pump(ctx, agent, broker); done {
			broker.Close()
			return
		}
		broker.Close()
		p.log.Info().Msg("broker connection lost, redialling")
	}
}

// dialBroker connects to the broker with backoff and replays the
// agent's connect frame, returning the raw hello response.
func (p *Proxy) dialBroker(ctx context.Context, connectRaw []byte) (*websocket.Conn, []byte, error) {
	backoff := redialInitialBackoff
	for {
		broker, _, err := websocket.DefaultDialer.DialContext(ctx, p.brokerURL, nil)
		if err == nil {
			if err := broker.WriteMessage(websocket.TextMessage, connectRaw); err == nil {
				if _, hello, err := broker.ReadMessage(); err == nil {
					return broker, hello, nil
				}
			}
			broker.Close()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		backoff *= 2
		if backoff > redialMaxBackoff {
			backoff = redialMaxBackoff
		}
	}
}

// pump relays frames both ways until one side fails. Returns true when
// the agent side ended (no point redialling), false when the broker side
// ended (caller redials).
func (p *Proxy) pump(ctx context.Context, agent, broker *websocket.Conn) bool {
	agentDone := make(chan struct{})
	brokerDone := make(chan struct{})

	go func() {
		defer close(agentDone)
		for {
			mt, msg, err := agent.ReadMessage()
			if err != nil {
				return
			}
			if err := broker.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}()
	go func() {
		defer close(brokerDone)
		for {
			mt, msg, err := broker.ReadMessage()
			if err != nil {
				return
			}
			if err := agent.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}()

	select {
	case <-agentDone:
		return true
	case <-brokerDone:
		return false
	case <-ctx.Done():
		return true
	}
}
