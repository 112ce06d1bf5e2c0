package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/session"
	"github.com/harryaskham/io-mcp/internal/version"
)

// heartbeatInterval paces SSE keepalives so proxies don't drop idle
// subscriptions.
const heartbeatInterval = 15 * time.Second

// registerRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("POST /api/sessions/{id}/select", s.requireAuth(s.handleSelect))
	mux.HandleFunc("POST /api/sessions/{id}/highlight", s.requireAuth(s.handleHighlight))
	mux.HandleFunc("POST /api/sessions/{id}/message", s.requireAuth(s.handleSessionMessage))
	mux.HandleFunc("POST /api/sessions/{id}/key", s.requireAuth(s.handleKey))
	mux.HandleFunc("POST /api/message", s.requireAuth(s.handleBroadcastMessage))

	mux.HandleFunc("/", handleNotFound)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if res := AuthorizeHTTP(s.auth, r); !res.OK {
			writeError(w, http.StatusUnauthorized, res.Reason)
			return
		}
		next(w, r)
	}
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Agents        int    `json:"agents"`
	Sessions      int    `json:"sessions"`
	Audio         string `json:"audio"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	audio := "disabled"
	if s.engine != nil {
		audio = string(s.engine.Recovery().Phase())
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       version.Full(),
		Agents:        s.conns.Count(),
		Sessions:      s.registry.Count(),
		Audio:         audio,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleEvents serves the streaming SSE subscription. Reconnecting
// clients get a fresh cursor at the head; they re-read full state from
// GET /api/sessions.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before acknowledging, so an event published the moment
	// the client sees the 200 is never lost.
	sub := s.bus.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case env, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSE(w, env); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := writeSSE(w, domain.EventEnvelope{
				Seq:       s.bus.Seq(),
				Kind:      domain.EventHeartbeat,
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, env domain.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Kind, data)
	return err
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.Snapshots()})
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) *session.Session {
	sess := s.registry.Get(r.PathValue("id"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown session")
	}
	return sess
}

type selectBody struct {
	Label   string `json:"label"`
	Summary string `json:"summary,omitempty"`
}

// handleSelect resolves the session's active choices item.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromPath(w, r)
	if sess == nil {
		return
	}
	var body selectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	if !s.registry.Resolve(sess, domain.Result{Selected: body.Label, Summary: body.Summary}) {
		writeError(w, http.StatusConflict, "no active item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type highlightBody struct {
	Index int `json:"index"`
}

// handleHighlight moves the scroll index and triggers a readout.
func (s *Server) handleHighlight(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromPath(w, r)
	if sess == nil {
		return
	}
	var body highlightBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	idx := sess.SetScrollIndex(body.Index)

	if s.engine != nil {
		if item := sess.Active(); item != nil && item.Kind == domain.KindChoices && idx < len(item.Options) {
			opt := item.Options[idx]
			if !opt.Silent {
				s.engine.ScrollReadout(sess.Voice(), opt.Label, s.engine.ScrollToken())
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "index": idx})
}

type messageBody struct {
	Text string `json:"text"`
}

// handleSessionMessage queues an operator message for one session.
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromPath(w, r)
	if sess == nil {
		return
	}
	var body messageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	sess.QueueMessage(body.Text)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type keyBody struct {
	Key string `json:"key"`
}

// handleKey delivers a key press to the presenter as if typed.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromPath(w, r)
	if sess == nil {
		return
	}
	var body keyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if s.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "no presenter attached")
		return
	}
	s.registry.Focus(sess.ID)
	s.keys.Key(body.Key)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type broadcastBody struct {
	Text string `json:"text"`
	All  bool   `json:"all,omitempty"`
}

// handleBroadcastMessage queues a message for the focused session, or
// for every session when all is set.
func (s *Server) handleBroadcastMessage(w http.ResponseWriter, r *http.Request) {
	var body broadcastBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if body.All {
		for _, sess := range s.registry.All() {
			sess.QueueMessage(body.Text)
		}
	} else {
		sess := s.registry.Focused()
		if sess == nil {
			writeError(w, http.StatusConflict, "no focused session")
			return
		}
		sess.QueueMessage(body.Text)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
