// Package hooks runs operator-configured shell commands on broker
// lifecycle events.
package hooks

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/harryaskham/io-mcp/internal/logging"
)

// Event names for the hook system.
const (
	EventBrokerStart    = "broker_start"
	EventBrokerStop     = "broker_stop"
	EventSessionCreated = "session_created"
	EventSessionRemoved = "session_removed"
	EventPulseDown      = "pulse_down"
	EventPulseRecovered = "pulse_recovered"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventBrokerStart,
	EventBrokerStop,
	EventSessionCreated,
	EventSessionRemoved,
	EventPulseDown,
	EventPulseRecovered,
}

// commandTimeout bounds each hook command run.
const commandTimeout = 10 * time.Second

// Handler is a function that handles a hook event. Returning an error
// logs the failure but does not stop processing.
type Handler func(ctx context.Context, event string, data map[string]string) error

// Manager manages hook registrations and dispatches events.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *logging.Logger
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]Handler),
		log:      log.Sub("hooks"),
	}
}

// NewManagerFromConfig creates a manager with a shell-command handler
// registered for each configured event. The event payload is exposed to
// the command as IO_MCP_EVENT and IO_MCP_EVENT_<KEY> env vars.
func NewManagerFromConfig(commands map[string]string, log *logging.Logger) *Manager {
	m := NewManager(log)
	for event, command := range commands {
		m.On(event, shellHandler(command))
	}
	return m
}

// On registers a handler for the given event.
func (m *Manager) On(event string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers on a worker
// goroutine. Handler errors are logged.
func (m *Manager) Emit(event string, data map[string]string) {
	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers[event]))
	copy(handlers, m.handlers[event])
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		for _, h := range handlers {
			if err := h(ctx, event, data); err != nil {
				m.log.Warn().Err(err).Str("event", event).Msg("hook handler error")
			}
		}
	}()
}

// shellHandler builds a handler that runs a shell command with the
// event payload in the environment.
func shellHandler(command string) Handler {
	return func(ctx context.Context, event string, data map[string]string) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		env := append(os.Environ(), "IO_MCP_EVENT="+event)
		for k, v := range data {
			env = append(env, "IO_MCP_EVENT_"+strings.ToUpper(k)+"="+v)
		}
		cmd.Env = env
		return cmd.Run()
	}
}
