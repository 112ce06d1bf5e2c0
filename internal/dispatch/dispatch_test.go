package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/config"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
	"github.com/harryaskham/io-mcp/internal/session"
	"github.com/harryaskham/io-mcp/internal/tts"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Registry) {
	t.Helper()
	b := bus.NewBus(64, logging.Nop())
	t.Cleanup(b.Shutdown)

	cfg := config.Defaults()
	cfg.TTS.Disabled = true

	reg := session.NewRegistry(b, cfg.Session.HistoryCap, time.Minute, logging.Nop())
	engine := tts.NewEngine(cfg.TTS, t.TempDir(), b, logging.Nop())
	reg.SetSpeaker(engine)

	return New(reg, engine, cfg, logging.Nop()), reg
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandle_UnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, toolErr := d.Handle(context.Background(), "s1", "c1", "bogus_tool", nil)
	require.NotNil(t, toolErr)
	assert.Equal(t, CodeInvalidRequest, toolErr.Code)
}

func TestHandle_RegisterSession(t *testing.T) {
	d, reg := newTestDispatcher(t)

	payload, toolErr := d.Handle(context.Background(), "s1", "c1", "register_session", raw(t, map[string]any{
		"name":     "Refactor",
		"cwd":      "/home/user/project",
		"hostname": "devbox",
		"voice":    "echo",
	}))
	require.Nil(t, toolErr)

	res := payload.(registerResult)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "Refactor", res.Name)
	assert.Contains(t, res.Features, "present_choices")

	s := reg.Get("s1")
	require.NotNil(t, s)
	assert.Equal(t, "echo", s.Voice().Voice)
	assert.Equal(t, "devbox", s.Snapshot().Hostname)
}

// Registration is idempotent on the transport identity: N calls yield
// the same session id.
func TestHandle_RegisterIdempotent(t *testing.T) {
	d, reg := newTestDispatcher(t)

	for i := 0; i < 3; i++ {
		payload, toolErr := d.Handle(context.Background(), "same-id", "c", "register_session", nil)
		require.Nil(t, toolErr)
		assert.Equal(t, "same-id", payload.(registerResult).SessionID)
	}
	assert.Equal(t, 1, reg.Count())
}

func TestHandle_PresentChoicesEmptyRejected(t *testing.T) {
	d, reg := newTestDispatcher(t)

	_, toolErr := d.Handle(context.Background(), "s1", "c1", "present_choices", raw(t, map[string]any{
		"preamble": "pick",
		"choices":  []domain.Option{},
	}))
	require.NotNil(t, toolErr)
	assert.Equal(t, CodeInvalidRequest, toolErr.Code)
	assert.Equal(t, 0, reg.Get("s1").InboxLen())
}

func TestHandle_PresentChoicesResolved(t *testing.T) {
	d, reg := newTestDispatcher(t)

	type outcome struct {
		payload any
		toolErr *ToolError
	}
	done := make(chan outcome, 1)
	go func() {
		payload, toolErr := d.Handle(context.Background(), "s1", "c1", "present_choices", raw(t, map[string]any{
			"preamble": "pick",
			"choices":  []domain.Option{{Label: "Yes", Summary: "do it"}, {Label: "No"}},
		}))
		done <- outcome{payload, toolErr}
	}()

	var s *session.Session
	require.Eventually(t, func() bool {
		s = reg.Get("s1")
		return s != nil && s.Active() != nil
	}, time.Second, 2*time.Millisecond)

	s.QueueMessage("note from operator")
	require.True(t, reg.Resolve(s, domain.Result{Selected: "Yes", Summary: "do it"}))

	out := <-done
	require.Nil(t, out.toolErr)
	res := out.payload.(choicesResult)
	assert.Equal(t, "Yes", res.Selected)
	assert.Equal(t, "do it", res.Summary)
	assert.Equal(t, []string{"note from operator"}, res.PendingMessages)
}

func TestHandle_CancelReturnsCancelledError(t *testing.T) {
	d, reg := newTestDispatcher(t)

	errs := make(chan *ToolError, 1)
	go func() {
		_, toolErr := d.Handle(context.Background(), "s1", "call-9", "present_choices", raw(t, map[string]any{
			"choices": []domain.Option{{Label: "Wait"}},
		}))
		errs <- toolErr
	}()

	require.Eventually(t, func() bool {
		s := reg.Get("s1")
		return s != nil && s.Active() != nil
	}, time.Second, 2*time.Millisecond)

	require.True(t, d.Cancel("s1", "call-9"))

	toolErr := <-errs
	require.NotNil(t, toolErr)
	assert.Equal(t, CodeCancelled, toolErr.Code)
}

func TestHandle_SpeakVariants(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	for _, tool := range []string{"speak", "speak_async", "speak_urgent"} {
		payload, toolErr := d.Handle(ctx, "s1", "c", tool, raw(t, map[string]string{"text": "status update"}))
		require.Nil(t, toolErr, tool)
		res := payload.(ackResult)
		assert.True(t, res.OK, tool)
		assert.NotNil(t, res.PendingMessages, tool)
	}
}

func TestHandle_SpeakEmptyText(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, toolErr := d.Handle(context.Background(), "s1", "c", "speak", raw(t, map[string]string{"text": ""}))
	require.NotNil(t, toolErr)
	assert.Equal(t, CodeInvalidRequest, toolErr.Code)
}

func TestHandle_CheckInboxDrains(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	s, _ := reg.GetOrCreate("s1")
	s.QueueMessage("first")
	s.QueueMessage("second")

	payload, toolErr := d.Handle(ctx, "s1", "c", "check_inbox", nil)
	require.Nil(t, toolErr)
	assert.Equal(t, []string{"first", "second"}, payload.(ackResult).PendingMessages)

	// Drained once; a second check is empty.
	payload, _ = d.Handle(ctx, "s1", "c", "check_inbox", nil)
	assert.Empty(t, payload.(ackResult).PendingMessages)
}

func TestHandle_RenameSession(t *testing.T) {
	d, reg := newTestDispatcher(t)

	_, toolErr := d.Handle(context.Background(), "s1", "c", "rename_session", raw(t, map[string]string{"name": "Tests"}))
	require.Nil(t, toolErr)
	assert.Equal(t, "Tests", reg.Get("s1").Name())

	_, toolErr = d.Handle(context.Background(), "s1", "c", "rename_session", raw(t, map[string]string{"name": ""}))
	require.NotNil(t, toolErr)
	assert.Equal(t, CodeInvalidRequest, toolErr.Code)
}

func TestHandle_SettingsRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, toolErr := d.Handle(ctx, "s1", "c", "set_voice", raw(t, map[string]string{"voice": "echo"}))
	require.Nil(t, toolErr)
	_, toolErr = d.Handle(ctx, "s1", "c", "set_style", raw(t, map[string]string{"style": "storyteller"}))
	require.Nil(t, toolErr)

	_, toolErr = d.Handle(ctx, "s1", "c", "set_speed", raw(t, map[string]float64{"speed": 1.8}))
	require.Nil(t, toolErr)

	payload, toolErr := d.Handle(ctx, "s1", "c", "get_settings", nil)
	require.Nil(t, toolErr)
	res := payload.(settingsResult)
	assert.Equal(t, "echo", res.Voice)
	assert.Equal(t, "storyteller", res.Style)
	assert.Equal(t, 1.8, res.Speed)

	_, toolErr = d.Handle(ctx, "s1", "c", "set_speed", raw(t, map[string]float64{"speed": 9.0}))
	require.NotNil(t, toolErr)
	assert.Equal(t, CodeInvalidRequest, toolErr.Code)
}

// set_speed is a per-session override that reaches synthesis: the
// artifact key changes with it, so cached audio at the old speed is
// never reused.
func TestHandle_SetSpeedReachesVoiceProfile(t *testing.T) {
	d, reg := newTestDispatcher(t)

	_, toolErr := d.Handle(context.Background(), "s1", "c", "set_speed", raw(t, map[string]float64{"speed": 2.0}))
	require.Nil(t, toolErr)

	assert.Equal(t, 2.0, reg.Get("s1").Voice().Speed)
}

// Extra options from config are appended to every presentation without
// duplicating agent-provided labels.
func TestHandle_ExtraOptionsAppended(t *testing.T) {
	b := bus.NewBus(64, logging.Nop())
	t.Cleanup(b.Shutdown)

	cfg := config.Defaults()
	cfg.TTS.Disabled = true
	cfg.Presenter.ExtraOptions = []config.ExtraOption{
		{Label: "Continue", Summary: "keep going"},
		{Label: "Custom", Summary: "operator extra", Silent: true},
	}

	reg := session.NewRegistry(b, 200, time.Minute, logging.Nop())
	engine := tts.NewEngine(cfg.TTS, t.TempDir(), b, logging.Nop())
	d := New(reg, engine, cfg, logging.Nop())

	go d.Handle(context.Background(), "s1", "c", "present_choices", raw(t, map[string]any{
		"choices": []domain.Option{{Label: "Continue", Summary: "agent's own"}},
	}))

	require.Eventually(t, func() bool {
		s := reg.Get("s1")
		return s != nil && s.Active() != nil
	}, time.Second, 2*time.Millisecond)

	item := reg.Get("s1").Active()
	require.Len(t, item.Options, 2) // "Continue" not duplicated
	assert.Equal(t, "agent's own", item.Options[0].Summary)
	assert.Equal(t, "Custom", item.Options[1].Label)
	assert.True(t, item.Options[1].Silent)

	reg.Resolve(reg.Get("s1"), domain.Result{Selected: "Continue"})
}
