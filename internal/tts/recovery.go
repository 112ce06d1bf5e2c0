package tts

import (
	"sync"
	"time"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
)

// RecoveryPhase is the audio device health state.
type RecoveryPhase string

const (
	PhaseHealthy    RecoveryPhase = "healthy"
	PhaseDegraded   RecoveryPhase = "degraded"
	PhaseRecovering RecoveryPhase = "recovering"
	PhaseDown       RecoveryPhase = "down"
)

const (
	defaultCooldown    = 30 * time.Second
	defaultMaxAttempts = 4
)

// Recovery is the audio-device recovery state machine. Playback failures
// advance it healthy → degraded → recovering(n) → down; a successful
// playback returns it to healthy. Recovery attempts escalate with
// exponential backoff; the attempt counter resets after five cooldown
// periods without a new failure.
type Recovery struct {
	mu          sync.Mutex
	phase       RecoveryPhase
	attempts    int
	lastFailure time.Time
	cooldown    time.Duration
	maxAttempts int
	pulseDown   bool // pulse_down emitted and not yet paired with pulse_recovered

	// runStep executes the nth escalating recovery action on a worker.
	// Supplied by the engine; nil in tests that only exercise transitions.
	runStep func(attempt int, backoff time.Duration)

	bus *bus.Bus
	log *logging.Logger
}

// NewRecovery creates a healthy recovery machine.
func NewRecovery(b *bus.Bus, log *logging.Logger) *Recovery {
	return &Recovery{
		phase:       PhaseHealthy,
		cooldown:    defaultCooldown,
		maxAttempts: defaultMaxAttempts,
		bus:         b,
		log:         log.Sub("tts-recovery"),
	}
}

// Phase returns the current health phase.
func (r *Recovery) Phase() RecoveryPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Attempts returns the current recovery attempt count.
func (r *Recovery) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// DropNonUrgent reports whether non-urgent speech should be discarded.
func (r *Recovery) DropNonUrgent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == PhaseDown
}

// ObserveFailure records a playback failure at the given time and
// advances the state machine.
func (r *Recovery) ObserveFailure(now time.Time) {
	r.mu.Lock()
	r.lastFailure = now

	var step int
	var backoff time.Duration
	emitDown := false

	switch r.phase {
	case PhaseHealthy:
		r.phase = PhaseDegraded
	case PhaseDegraded:
		r.phase = PhaseRecovering
		r.attempts = 1
		if !r.pulseDown {
			r.pulseDown = true
			emitDown = true
		}
		step, backoff = r.attempts, r.backoffLocked()
	case PhaseRecovering:
		r.attempts++
		if r.attempts > r.maxAttempts {
			r.phase = PhaseDown
		} else {
			step, backoff = r.attempts, r.backoffLocked()
		}
	case PhaseDown:
		// Stay down; urgent speech is still attempted by the engine.
	}
	phase := r.phase
	attempts := r.attempts
	runStep := r.runStep
	r.mu.Unlock()

	r.log.Warn().Str("phase", string(phase)).Int("attempts", attempts).Msg("audio playback failure")
	if emitDown {
		r.bus.Publish("", domain.EventPulseDown, map[string]any{"attempts": attempts})
	}
	if step > 0 && runStep != nil {
		runStep(step, backoff)
	}
}

// ObserveSuccess records a successful playback, returning the machine to
// healthy and emitting pulse_recovered if pulse_down had been surfaced.
func (r *Recovery) ObserveSuccess(now time.Time) {
	r.mu.Lock()
	wasUnhealthy := r.phase != PhaseHealthy
	emitRecovered := r.pulseDown
	r.phase = PhaseHealthy
	r.attempts = 0
	r.pulseDown = false
	r.mu.Unlock()

	if wasUnhealthy {
		r.log.Info().Msg("audio playback recovered")
	}
	if emitRecovered {
		r.bus.Publish("", domain.EventPulseRecovered, nil)
	}
}

// Tick resets the machine after five cooldown periods without a new
// failure. Called from the maintenance loop. This is the normal way out
// of the down phase: non-urgent speech is dropped while down, so no
// playback success ever runs ObserveSuccess. The reset emits
// pulse_recovered when pulse_down had been surfaced, keeping the pair in
// sync so the next failure episode surfaces a fresh pulse_down.
func (r *Recovery) Tick(now time.Time) {
	r.mu.Lock()
	if r.phase == PhaseHealthy || r.lastFailure.IsZero() || now.Sub(r.lastFailure) <= 5*r.cooldown {
		r.mu.Unlock()
		return
	}
	emitRecovered := r.pulseDown
	r.phase = PhaseHealthy
	r.attempts = 0
	r.pulseDown = false
	r.mu.Unlock()

	r.log.Info().Msg("audio recovery counters reset after quiet cooldown")
	if emitRecovered {
		r.bus.Publish("", domain.EventPulseRecovered, nil)
	}
}

// backoffLocked computes the exponential delay before the next recovery
// attempt. Caller holds mu.
func (r *Recovery) backoffLocked() time.Duration {
	d := time.Second
	for i := 1; i < r.attempts; i++ {
		d *= 2
	}
	if d > r.cooldown {
		d = r.cooldown
	}
	return d
}
