// Package tts owns the single audible channel shared across all sessions:
// artifact generation and caching, player subprocess lifecycle, urgent
// preemption, scroll readouts, and audio-device recovery.
package tts

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/config"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
)

// Engine is the broker-wide TTS engine. At most one artifact is audible
// at any moment; urgent speech preempts, non-urgent speech serialises.
type Engine struct {
	cfg      config.TTSConfig
	cacheDir string
	bus      *bus.Bus
	log      *logging.Logger
	recovery *Recovery

	// mu guards only the current-playback reference and the cache index.
	// It is never held across a spawn, a kill, or a wait.
	mu      sync.Mutex
	current *playback
	cache   map[string]Artifact

	// gate serialises audible playback. Held from player start until the
	// joiner observes exit. Spawning happens on the caller's goroutine
	// (a tool-call or worker goroutine, never the UI loop).
	gate chan struct{}

	// urgentWaiting makes urgent speech win the gate over queued
	// non-urgent speakers: non-urgent acquirers yield while it is set.
	urgentWaiting atomic.Int32

	sf        singleflight.Group
	scrollGen atomic.Int64
	muted     atomic.Bool

	// genSem bounds concurrent artifact generation subprocesses.
	genSem chan struct{}
}

// NewEngine creates the TTS engine. cacheDir holds generated artifacts,
// one flat file per fingerprint.
func NewEngine(cfg config.TTSConfig, cacheDir string, b *bus.Bus, log *logging.Logger) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	if cfg.CacheDir != "" {
		cacheDir = cfg.CacheDir
	}
	os.MkdirAll(cacheDir, 0o700)
	e := &Engine{
		cfg:      cfg,
		cacheDir: cacheDir,
		bus:      b,
		log:      log.Sub("tts"),
		recovery: NewRecovery(b, log),
		cache:    make(map[string]Artifact),
		gate:     make(chan struct{}, 1),
		genSem:   make(chan struct{}, workers),
	}
	e.recovery.runStep = e.runRecoveryStep
	return e
}

// Recovery exposes the recovery state machine (health endpoint, tests).
func (e *Engine) Recovery() *Recovery { return e.recovery }

// Mute stops current playback and suppresses all new playback until
// Unmute. Used while the operator records voice input.
func (e *Engine) Mute() {
	e.muted.Store(true)
	e.Stop()
}

// Unmute re-enables playback.
func (e *Engine) Unmute() { e.muted.Store(false) }

// key builds the artifact key for a session's voice profile.
func (e *Engine) key(profile domain.VoiceProfile, text string) ArtifactKey {
	k := ArtifactKey{
		Text:     text,
		Voice:    e.cfg.Voice,
		Style:    e.cfg.Style,
		Model:    e.cfg.Model,
		Provider: e.cfg.Generator,
		Speed:    e.cfg.Speed,
	}
	if profile.Voice != "" {
		k.Voice = profile.Voice
	}
	if profile.Style != "" {
		k.Style = profile.Style
	}
	if profile.Model != "" {
		k.Model = profile.Model
	}
	if profile.Speed > 0 {
		k.Speed = profile.Speed
	}
	return k
}

// Speak plays text for a session. Blocking callers return once playback
// finishes; non-blocking callers return once it is dispatched. Urgent
// speech kills the current player's process group before taking the gate.
// Audio failures never propagate to the agent: generation failures emit
// speech_failed and return nil, playback failures feed the recovery
// machine.
func (e *Engine) Speak(ctx context.Context, profile domain.VoiceProfile, text string, blocking bool, priority int) error {
	if e.cfg.Disabled || e.muted.Load() {
		return nil
	}
	urgent := priority >= domain.PriorityUrgent

	if e.recovery.DropNonUrgent() && !urgent {
		e.log.Debug().Msg("audio down, dropping non-urgent speech")
		return nil
	}

	path, err := e.ensureArtifact(ctx, e.key(profile, text), text)
	if err != nil {
		e.bus.Publish("", domain.EventSpeechFailed, map[string]string{"text": text, "error": err.Error()})
		return nil
	}

	if urgent {
		// Preempt by side channel: kill current, then take the gate once
		// the dying player's joiner releases it. Non-urgent waiters yield
		// while urgentWaiting is set.
		e.urgentWaiting.Add(1)
		e.Stop()
		select {
		case e.gate <- struct{}{}:
			e.urgentWaiting.Add(-1)
		case <-ctx.Done():
			e.urgentWaiting.Add(-1)
			return ctx.Err()
		}
	} else {
		for {
			select {
			case e.gate <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			if e.urgentWaiting.Load() == 0 {
				break
			}
			// An urgent speaker is contending; give the gate up.
			<-e.gate
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	p, err := startPlayer(e.cfg.Player, path, categoryAgent, urgent)
	if err != nil {
		<-e.gate
		e.recovery.ObserveFailure(time.Now())
		return err
	}

	e.mu.Lock()
	e.current = p
	e.mu.Unlock()

	go e.join(p)

	if blocking {
		select {
		case <-p.done:
		case <-ctx.Done():
			e.stopPlayback(p)
			<-p.done
		}
		if p.preempted.Load() {
			// Cut off by urgent speech: hold the caller until the urgent
			// line finishes, by passing through the gate once. Yield to
			// the urgent speaker so it wins the freed gate.
			for {
				if e.urgentWaiting.Load() > 0 {
					select {
					case <-time.After(5 * time.Millisecond):
						continue
					case <-ctx.Done():
						return nil
					}
				}
				select {
				case e.gate <- struct{}{}:
					<-e.gate
				case <-ctx.Done():
				}
				break
			}
		}
	}
	return nil
}

// join reaps the player, swaps out the current reference, releases the
// gate, and feeds the recovery machine.
func (e *Engine) join(p *playback) {
	p.wait()

	e.mu.Lock()
	if e.current == p {
		e.current = nil
	}
	e.mu.Unlock()

	<-e.gate

	if p.failed() {
		e.recovery.ObserveFailure(time.Now())
	} else if p.exitErr == nil {
		e.recovery.ObserveSuccess(time.Now())
	}
}

// Stop kills the current playback's process group. The gate is not held:
// kill can block on hostile schedulers and must not serialise with the
// next playback start.
func (e *Engine) Stop() {
	e.mu.Lock()
	p := e.current
	e.mu.Unlock()
	if p != nil {
		p.kill()
	}
}

func (e *Engine) stopPlayback(p *playback) {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == p {
		p.kill()
	}
}

// ScrollToken bumps the scroll generation counter and returns the new
// token. Readouts dispatched with an older token are silently skipped.
func (e *Engine) ScrollToken() int64 {
	return e.scrollGen.Add(1)
}

// ScrollReadout speaks a highlighted option label asynchronously. A
// readout preempts a prior scroll readout but never agent speech; when
// the operator has already scrolled past, the stale readout is dropped.
func (e *Engine) ScrollReadout(profile domain.VoiceProfile, text string, token int64) {
	if e.cfg.Disabled || e.muted.Load() || text == "" {
		return
	}
	go func() {
		if token != e.scrollGen.Load() {
			return
		}
		path, err := e.ensureArtifact(context.Background(), e.key(profile, text), text)
		if err != nil || token != e.scrollGen.Load() {
			return
		}

		e.mu.Lock()
		cur := e.current
		e.mu.Unlock()
		if cur != nil {
			if cur.category == categoryAgent {
				return
			}
			cur.kill()
		}

		// The killed readout's joiner frees the gate shortly; a busy
		// gate past the grace period means agent speech won it — skip.
		select {
		case e.gate <- struct{}{}:
		case <-time.After(250 * time.Millisecond):
			return
		}
		if token != e.scrollGen.Load() {
			<-e.gate
			return
		}

		p, err := startPlayer(e.cfg.Player, path, categoryScroll, false)
		if err != nil {
			<-e.gate
			return
		}
		e.mu.Lock()
		e.current = p
		e.mu.Unlock()
		go e.join(p)
	}()
}

// Pregenerate warms the cache for a batch of texts (option labels) so
// scrolling is instant. Generation runs on the bounded worker pool.
func (e *Engine) Pregenerate(profile domain.VoiceProfile, texts []string) {
	if e.cfg.Disabled {
		return
	}
	for _, t := range texts {
		if t == "" {
			continue
		}
		text := t
		go func() {
			_, _ = e.ensureArtifact(context.Background(), e.key(profile, text), text)
		}()
	}
}

// runRecoveryStep executes an escalating recovery action after backoff:
// first kill stray players, then cycle the audio sink, then restart the
// sound daemon.
func (e *Engine) runRecoveryStep(attempt int, backoff time.Duration) {
	go func() {
		time.Sleep(backoff)
		e.log.Info().Int("attempt", attempt).Dur("backoff", backoff).Msg("running audio recovery step")
		switch {
		case attempt <= 1:
			e.Stop()
		case attempt == 2:
			e.runQuiet("pactl", "suspend-sink", "@DEFAULT_SINK@", "1")
			e.runQuiet("pactl", "suspend-sink", "@DEFAULT_SINK@", "0")
		default:
			e.runQuiet("pulseaudio", "--kill")
			e.runQuiet("pulseaudio", "--start")
		}
	}()
}

func (e *Engine) runQuiet(name string, args ...string) {
	cmd := exec.Command(name, args...)
	if err := cmd.Run(); err != nil {
		e.log.Debug().Err(err).Str("cmd", name).Msg("recovery command failed")
	}
}

// ClearCache drops the in-memory index and removes cached artifacts.
func (e *Engine) ClearCache() error {
	e.mu.Lock()
	e.cache = make(map[string]Artifact)
	e.mu.Unlock()

	entries, err := os.ReadDir(e.cacheDir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			os.Remove(filepath.Join(e.cacheDir, ent.Name()))
		}
	}
	return nil
}

// CacheSize returns the number of indexed artifacts.
func (e *Engine) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
