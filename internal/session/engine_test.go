package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	b := bus.NewBus(64, logging.Nop())
	t.Cleanup(b.Shutdown)
	return NewRegistry(b, 200, time.Minute, logging.Nop())
}

func choicesItem(labels ...string) *domain.InboxItem {
	options := make([]domain.Option, 0, len(labels))
	for _, l := range labels {
		options = append(options, domain.Option{Label: l, Summary: l + " summary"})
	}
	return domain.NewChoicesItem("item-"+labels[0], "call-"+labels[0], "pick one", options, false)
}

func waitActive(t *testing.T, s *Session, itemID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		item := s.Active()
		return item != nil && item.ID == itemID
	}, time.Second, 2*time.Millisecond)
}

// fakeSpeaker records playback calls for speech-item tests.
type fakeSpeaker struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSpeaker) Speak(ctx context.Context, profile domain.VoiceProfile, text string, blocking bool, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return nil
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestEnqueueChoices_EmptyOptionsRejected(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	item := domain.NewChoicesItem("i", "c", "preamble", nil, false)
	_, err := r.EnqueueChoices(context.Background(), s, item)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, s.InboxLen())
}

func TestEnqueueChoices_ResolveReturnsSelection(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	item := choicesItem("Apple", "Pear")
	done := make(chan *domain.Result, 1)
	go func() {
		res, err := r.EnqueueChoices(context.Background(), s, item)
		require.NoError(t, err)
		done <- res
	}()

	waitActive(t, s, item.ID)
	require.True(t, r.Resolve(s, domain.Result{Selected: "Pear", Summary: "Pear summary"}))

	res := <-done
	assert.Equal(t, "Pear", res.Selected)
	assert.Equal(t, "Pear summary", res.Summary)
	assert.NotNil(t, res.PendingMessages)
	assert.Equal(t, 0, s.InboxLen())
}

// Two concurrent choices from the same session resolve in enqueue order:
// the second only presents after the first resolves.
func TestEnqueueChoices_TwoConcurrentSerialised(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	first := choicesItem("Apple", "Pear")
	second := choicesItem("Red", "Blue")

	firstDone := make(chan *domain.Result, 1)
	secondDone := make(chan *domain.Result, 1)
	go func() {
		res, _ := r.EnqueueChoices(context.Background(), s, first)
		firstDone <- res
	}()
	waitActive(t, s, first.ID)

	go func() {
		res, _ := r.EnqueueChoices(context.Background(), s, second)
		secondDone <- res
	}()

	// Second stays queued while first is active.
	require.Eventually(t, func() bool { return s.InboxLen() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, first.ID, s.Active().ID)
	select {
	case <-secondDone:
		t.Fatal("second call resolved before first")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, r.Resolve(s, domain.Result{Selected: "Pear"}))
	res1 := <-firstDone
	assert.Equal(t, "Pear", res1.Selected)

	// Second is promoted and presented.
	waitActive(t, s, second.ID)
	require.True(t, r.Resolve(s, domain.Result{Selected: "Blue"}))
	res2 := <-secondDone
	assert.Equal(t, "Blue", res2.Selected)
	assert.Equal(t, 0, s.InboxLen())
}

// At most one item per session is ever active.
func TestInbox_AtMostOneActive(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	items := []*domain.InboxItem{
		choicesItem("One"), choicesItem("Two"), choicesItem("Three"),
	}
	for _, item := range items {
		go r.EnqueueChoices(context.Background(), s, item)
	}

	for range items {
		require.Eventually(t, func() bool { return s.Active() != nil }, time.Second, 2*time.Millisecond)

		s.mu.Lock()
		active := 0
		for _, it := range s.inbox {
			if it.Status == domain.StatusActive {
				active++
			}
		}
		s.mu.Unlock()
		assert.LessOrEqual(t, active, 1)

		r.Resolve(s, domain.Result{Selected: "ok"})
	}
	require.Eventually(t, func() bool { return s.InboxLen() == 0 }, time.Second, 2*time.Millisecond)
}

// A cancel delivered before an item activates prevents it from ever
// activating; the head item is undisturbed.
func TestCancelQueuedItem(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	first := choicesItem("First")
	second := choicesItem("Second")

	go r.EnqueueChoices(context.Background(), s, first)
	waitActive(t, s, first.ID)

	secondDone := make(chan *domain.Result, 1)
	go func() {
		res, _ := r.EnqueueChoices(context.Background(), s, second)
		secondDone <- res
	}()
	require.Eventually(t, func() bool { return s.InboxLen() == 2 }, time.Second, 2*time.Millisecond)

	require.True(t, r.CancelByCallID(s.ID, second.CallID, ReasonTransport))
	res := <-secondDone
	assert.True(t, res.Cancelled)
	assert.Equal(t, ReasonTransport, res.CancelReason)
	assert.Equal(t, domain.StatusCancelled, second.Status)

	// First is still active and resolvable.
	assert.Equal(t, first.ID, s.Active().ID)
	require.True(t, r.Resolve(s, domain.Result{Selected: "First"}))
	require.Eventually(t, func() bool { return s.InboxLen() == 0 }, time.Second, 2*time.Millisecond)
}

func TestCancelActiveItemClearsAndAdvances(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	first := choicesItem("First")
	second := choicesItem("Second")
	firstDone := make(chan *domain.Result, 1)
	go func() {
		res, _ := r.EnqueueChoices(context.Background(), s, first)
		firstDone <- res
	}()
	waitActive(t, s, first.ID)
	go r.EnqueueChoices(context.Background(), s, second)
	require.Eventually(t, func() bool { return s.InboxLen() == 2 }, time.Second, 2*time.Millisecond)

	require.True(t, r.CancelActive(s, ReasonOperator))
	res := <-firstDone
	assert.True(t, res.Cancelled)

	// The queue advances to the second item.
	waitActive(t, s, second.ID)
}

// A late UI resolution on a cancelled item is discarded silently.
func TestResolveAfterCancelDiscarded(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	item := choicesItem("Only")
	go r.EnqueueChoices(context.Background(), s, item)
	waitActive(t, s, item.ID)

	require.True(t, r.CancelActive(s, ReasonOperator))
	assert.False(t, r.Resolve(s, domain.Result{Selected: "Only"}))
}

// The rendezvous fires exactly once even when resolve and cancel race.
func TestRendezvousFiresExactlyOnce(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	item := choicesItem("Race")
	go r.EnqueueChoices(context.Background(), s, item)
	waitActive(t, s, item.ID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.Resolve(s, domain.Result{Selected: "Race"})
			} else {
				r.CancelActive(s, ReasonOperator)
			}
		}(i)
	}
	wg.Wait()

	// Channel closed exactly once; item terminal; double-fire would panic.
	<-item.Rendezvous
	assert.True(t, item.Terminal())
}

// Transport-context cancellation propagates to the inbox item.
func TestEnqueueChoices_ContextCancelled(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	ctx, cancel := context.WithCancel(context.Background())
	item := choicesItem("Doomed")
	done := make(chan *domain.Result, 1)
	go func() {
		res, _ := r.EnqueueChoices(ctx, s, item)
		done <- res
	}()
	waitActive(t, s, item.ID)

	cancel()
	res := <-done
	assert.True(t, res.Cancelled)
	require.Eventually(t, func() bool { return s.InboxLen() == 0 }, time.Second, 2*time.Millisecond)
}

// Identical pending choices from client retries piggyback on the first
// item instead of stacking duplicates.
func TestDuplicateChoicesPiggyback(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	first := choicesItem("Same", "Options")
	retry := domain.NewChoicesItem("retry", "call-retry", first.Preamble,
		append([]domain.Option(nil), first.Options...), false)

	firstDone := make(chan *domain.Result, 1)
	retryDone := make(chan *domain.Result, 1)
	go func() {
		res, _ := r.EnqueueChoices(context.Background(), s, first)
		firstDone <- res
	}()
	waitActive(t, s, first.ID)
	go func() {
		res, _ := r.EnqueueChoices(context.Background(), s, retry)
		retryDone <- res
	}()

	// Retry never enters the inbox.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.InboxLen())

	require.True(t, r.Resolve(s, domain.Result{Selected: "Same"}))
	res1 := <-firstDone
	res2 := <-retryDone
	assert.Equal(t, "Same", res1.Selected)
	assert.Equal(t, "Same", res2.Selected)
}

// Operator messages queued while the agent is blocked ride back on the
// resolution, and a later drain is empty.
func TestPendingMessagesAttachedOnce(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	item := choicesItem("Continue")
	done := make(chan *domain.Result, 1)
	go func() {
		res, _ := r.EnqueueChoices(context.Background(), s, item)
		done <- res
	}()
	waitActive(t, s, item.ID)

	s.QueueMessage("remember tests")
	s.QueueMessage("also docs")
	require.True(t, r.Resolve(s, domain.Result{Selected: "Continue"}))

	res := <-done
	assert.Equal(t, []string{"remember tests", "also docs"}, res.PendingMessages)
	assert.Empty(t, s.DrainMessages())
}

func TestSpeechQueueOrderAndResolution(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")
	speaker := &fakeSpeaker{}
	r.SetSpeaker(speaker)

	first := domain.NewSpeechItem("s1", "c1", "first line", true, domain.PriorityNormal)
	second := domain.NewSpeechItem("s2", "c2", "second line", true, domain.PriorityNormal)

	r.EnqueueSpeech(s, first)
	r.EnqueueSpeech(s, second)

	res1 := r.RunSpeech(context.Background(), s, first)
	assert.Equal(t, "ok", res1.Selected)
	res2 := r.RunSpeech(context.Background(), s, second)
	assert.Equal(t, "ok", res2.Selected)

	assert.Equal(t, []string{"first line", "second line"}, speaker.spoken())
	assert.Equal(t, 0, s.InboxLen())
	assert.Len(t, s.History(), 2)
}

func TestSpeakUrgentBypassesQueue(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")
	speaker := &fakeSpeaker{}
	r.SetSpeaker(speaker)

	// A choices item holds the head; urgent speech must not disturb it.
	blocker := choicesItem("Busy")
	go r.EnqueueChoices(context.Background(), s, blocker)
	waitActive(t, s, blocker.ID)

	urgent := domain.NewSpeechItem("u", "cu", "stop", true, domain.PriorityUrgent)
	res := r.SpeakUrgent(context.Background(), s, urgent)
	assert.Equal(t, "ok", res.Selected)
	assert.Equal(t, []string{"stop"}, speaker.spoken())

	// The choices item is still active.
	assert.Equal(t, blocker.ID, s.Active().ID)
}

func TestChoicesHistoryBijection(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := r.GetOrCreate("a")

	item := choicesItem("Alpha", "Beta", "Gamma")
	done := make(chan *domain.Result, 1)
	go func() {
		res, _ := r.EnqueueChoices(context.Background(), s, item)
		done <- res
	}()
	waitActive(t, s, item.ID)

	// Resolving with option i yields exactly that option's label/summary.
	opt := item.Options[1]
	require.True(t, r.Resolve(s, domain.Result{Selected: opt.Label, Summary: opt.Summary}))
	res := <-done
	assert.Equal(t, "Beta", res.Selected)
	assert.Equal(t, "Beta summary", res.Summary)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusResolved, history[0].Status)
}
