package tts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
)

func newTestRecovery(t *testing.T) (*Recovery, *bus.Subscriber) {
	t.Helper()
	b := bus.NewBus(64, logging.Nop())
	t.Cleanup(b.Shutdown)
	sub := b.Subscribe()
	t.Cleanup(sub.Close)
	return NewRecovery(b, logging.Nop()), sub
}

func drainKinds(sub *bus.Subscriber, wait time.Duration) []domain.EventKind {
	var kinds []domain.EventKind
	deadline := time.After(wait)
	for {
		select {
		case env := <-sub.C:
			kinds = append(kinds, env.Kind)
		case <-deadline:
			return kinds
		}
	}
}

func TestKeyFingerprintIncludesEveryParameter(t *testing.T) {
	base := ArtifactKey{Text: "hello", Voice: "sage", Style: "calm", Model: "m1", Provider: "tts", Speed: 1.0}

	variants := []ArtifactKey{
		{Text: "other", Voice: "sage", Style: "calm", Model: "m1", Provider: "tts", Speed: 1.0},
		{Text: "hello", Voice: "echo", Style: "calm", Model: "m1", Provider: "tts", Speed: 1.0},
		{Text: "hello", Voice: "sage", Style: "warm", Model: "m1", Provider: "tts", Speed: 1.0},
		{Text: "hello", Voice: "sage", Style: "calm", Model: "m2", Provider: "tts", Speed: 1.0},
		{Text: "hello", Voice: "sage", Style: "calm", Model: "m1", Provider: "espeak", Speed: 1.0},
		{Text: "hello", Voice: "sage", Style: "calm", Model: "m1", Provider: "tts", Speed: 1.5},
	}

	seen := map[string]bool{base.Fingerprint(): true}
	for _, v := range variants {
		fp := v.Fingerprint()
		assert.False(t, seen[fp], "collision for %+v", v)
		seen[fp] = true
	}

	// Same key, same fingerprint.
	assert.Equal(t, base.Fingerprint(), base.Fingerprint())
}

// Three failures in a row walk healthy → degraded → recovering(1) →
// recovering(2), with pulse_down emitted exactly once.
func TestRecovery_FailureEscalation(t *testing.T) {
	r, sub := newTestRecovery(t)
	now := time.Now()

	assert.Equal(t, PhaseHealthy, r.Phase())

	r.ObserveFailure(now)
	assert.Equal(t, PhaseDegraded, r.Phase())

	r.ObserveFailure(now)
	assert.Equal(t, PhaseRecovering, r.Phase())
	assert.Equal(t, 1, r.Attempts())

	r.ObserveFailure(now)
	assert.Equal(t, PhaseRecovering, r.Phase())
	assert.Equal(t, 2, r.Attempts())

	kinds := drainKinds(sub, 50*time.Millisecond)
	count := 0
	for _, k := range kinds {
		if k == domain.EventPulseDown {
			count++
		}
	}
	assert.Equal(t, 1, count, "pulse_down must be emitted exactly once")
}

func TestRecovery_ExhaustionGoesDown(t *testing.T) {
	r, _ := newTestRecovery(t)
	now := time.Now()

	for i := 0; i < 2+defaultMaxAttempts; i++ {
		r.ObserveFailure(now)
	}
	assert.Equal(t, PhaseDown, r.Phase())
	assert.True(t, r.DropNonUrgent())
}

// A successful playback restores health and emits pulse_recovered
// exactly once, paired with the earlier pulse_down.
func TestRecovery_SuccessEmitsRecoveredOnce(t *testing.T) {
	r, sub := newTestRecovery(t)
	now := time.Now()

	r.ObserveFailure(now)
	r.ObserveFailure(now)
	require.Equal(t, PhaseRecovering, r.Phase())

	r.ObserveSuccess(now)
	assert.Equal(t, PhaseHealthy, r.Phase())
	assert.Equal(t, 0, r.Attempts())

	r.ObserveSuccess(now)

	kinds := drainKinds(sub, 50*time.Millisecond)
	recovered := 0
	for _, k := range kinds {
		if k == domain.EventPulseRecovered {
			recovered++
		}
	}
	assert.Equal(t, 1, recovered)
}

// Without pulse_down, success emits no pulse_recovered.
func TestRecovery_QuietSuccessEmitsNothing(t *testing.T) {
	r, sub := newTestRecovery(t)
	now := time.Now()

	r.ObserveFailure(now) // degraded only; pulse_down not yet surfaced
	r.ObserveSuccess(now)

	kinds := drainKinds(sub, 50*time.Millisecond)
	for _, k := range kinds {
		assert.NotEqual(t, domain.EventPulseRecovered, k)
		assert.NotEqual(t, domain.EventPulseDown, k)
	}
}

// The machine resets after five cooldowns without a new failure. The
// reset pairs the earlier pulse_down with a pulse_recovered, and a later
// failure episode surfaces a fresh pulse_down.
func TestRecovery_TickResetsAfterCooldown(t *testing.T) {
	r, sub := newTestRecovery(t)
	now := time.Now()

	r.ObserveFailure(now)
	r.ObserveFailure(now) // emits pulse_down
	require.Equal(t, PhaseRecovering, r.Phase())

	// Not yet elapsed.
	r.Tick(now.Add(4 * defaultCooldown))
	assert.Equal(t, PhaseRecovering, r.Phase())

	r.Tick(now.Add(5*defaultCooldown + time.Second))
	assert.Equal(t, PhaseHealthy, r.Phase())
	assert.Equal(t, 0, r.Attempts())

	// Next episode: pulse_down is surfaced again.
	later := now.Add(6 * defaultCooldown)
	r.ObserveFailure(later)
	r.ObserveFailure(later)

	kinds := drainKinds(sub, 50*time.Millisecond)
	downs, recovered := 0, 0
	for _, k := range kinds {
		switch k {
		case domain.EventPulseDown:
			downs++
		case domain.EventPulseRecovered:
			recovered++
		}
	}
	assert.Equal(t, 2, downs, "each failure episode surfaces its own pulse_down")
	assert.Equal(t, 1, recovered, "quiet-cooldown reset pairs the first pulse_down")
}

// The down phase has no playback successes (non-urgent speech is
// dropped), so the quiet-cooldown reset is the normal way back to
// healthy — and it must emit pulse_recovered.
func TestRecovery_TickRecoversFromDown(t *testing.T) {
	r, sub := newTestRecovery(t)
	now := time.Now()

	for i := 0; i < 2+defaultMaxAttempts; i++ {
		r.ObserveFailure(now)
	}
	require.Equal(t, PhaseDown, r.Phase())

	r.Tick(now.Add(5*defaultCooldown + time.Second))
	assert.Equal(t, PhaseHealthy, r.Phase())
	assert.False(t, r.DropNonUrgent())

	kinds := drainKinds(sub, 50*time.Millisecond)
	recovered := 0
	for _, k := range kinds {
		if k == domain.EventPulseRecovered {
			recovered++
		}
	}
	assert.Equal(t, 1, recovered)
}

func TestRecovery_BackoffEscalates(t *testing.T) {
	r, _ := newTestRecovery(t)

	var delays []time.Duration
	r.runStep = func(attempt int, backoff time.Duration) {
		delays = append(delays, backoff)
	}

	now := time.Now()
	r.ObserveFailure(now)
	r.ObserveFailure(now)
	r.ObserveFailure(now)
	r.ObserveFailure(now)

	require.Len(t, delays, 3)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 4*time.Second, delays[2])
}
