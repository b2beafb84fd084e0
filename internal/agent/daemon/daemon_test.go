package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/common/config"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/events/bus"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/terminal"
)

const idleScreen = "ready\n❯ \n? for shortcuts"

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type fakeMux struct {
	mu     sync.Mutex
	screen string
	ops    []string
}

func (f *fakeMux) Capture(_ context.Context, _ string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screen, nil
}

func (f *fakeMux) SendLiteral(_ context.Context, _ string, text string) error {
	return f.record("literal:" + text)
}

func (f *fakeMux) SendKey(_ context.Context, _ string, key string) error {
	return f.record("key:" + key)
}

func (f *fakeMux) SendEnter(_ context.Context, _ string) error {
	return f.record("enter")
}

func (f *fakeMux) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeMux) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type fakeOracle struct {
	mu       sync.Mutex
	decision *oracle.Decision
	inputs   []oracle.Input
}

func (f *fakeOracle) Decide(_ context.Context, in oracle.Input) (*oracle.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return f.decision, nil
}

func watchdogDefaults() config.WatchdogConfig {
	return config.WatchdogConfig{
		Enabled:            false,
		PollIntervalSec:    30,
		ActionCooldownSec:  60,
		AttentionThreshold: 3,
	}
}

func newTestDaemon(t *testing.T, mux *fakeMux, dec *fakeOracle) (*Daemon, *store.Store) {
	t.Helper()
	log := newTestLogger(t)

	st := store.New(t.TempDir(), log)
	created, err := st.Create(context.Background(), "builder", "Ship it", store.CreateOptions{})
	require.NoError(t, err)
	connected, err := st.Connect(context.Background(), created.ID, agent.Connection{
		ProjectPath: "/tmp/project",
		SessionID:   "sess-1",
		PaneID:      "%1",
	})
	require.NoError(t, err)

	d, err := New(connected, Deps{
		Store:    st,
		Bus:      bus.NewMemoryEventBus(log),
		Adapter:  terminal.NewAdapter(mux, 200, log),
		Oracle:   dec,
		LogBuf:   agent.NewLogBuffer(),
		Watchdog: watchdogDefaults(),
		Log:      log,
	})
	require.NoError(t, err)
	return d, st
}

func TestStartStopUpdatesStatus(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	d, st := newTestDaemon(t, mux, &fakeOracle{})
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Start(ctx), "second start is a no-op")
	assert.True(t, d.Running())

	a, err := st.Get(ctx, d.agentID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, a.Status)

	d.Stop(ctx)
	d.Stop(ctx)
	assert.False(t, d.Running())

	a, err = st.Get(ctx, d.agentID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
}

func TestRefreshPicksUpStoreEdits(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	d, st := newTestDaemon(t, mux, &fakeOracle{})
	ctx := context.Background()

	newPrompt := "Focus on the flaky tests"
	_, err := st.Update(ctx, d.agentID, store.UpdatePatch{MasterPrompt: &newPrompt})
	require.NoError(t, err)

	assert.Equal(t, "Ship it", d.CurrentAgent().MasterPrompt)
	require.NoError(t, d.Refresh(ctx))
	assert.Equal(t, newPrompt, d.CurrentAgent().MasterPrompt)
}

func TestRefreshRetunesWatchdog(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	d, st := newTestDaemon(t, mux, &fakeOracle{})
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)
	assert.False(t, d.watchdog.Running(), "watchdog starts disabled")

	_, err := st.Update(ctx, d.agentID, store.UpdatePatch{Watchdog: &agent.WatchdogSettings{
		PollIntervalSec:    5,
		ActionCooldownSec:  10,
		AttentionThreshold: 1,
		Enabled:            true,
	}})
	require.NoError(t, err)
	require.NoError(t, d.Refresh(ctx))

	assert.True(t, d.watchdog.Running(), "enabling the watchdog takes effect on refresh")
	assert.Equal(t, 5*time.Second, d.wdSettings.PollInterval)

	disabled := agent.WatchdogSettings{PollIntervalSec: 5, ActionCooldownSec: 10, AttentionThreshold: 1}
	_, err = st.Update(ctx, d.agentID, store.UpdatePatch{Watchdog: &disabled})
	require.NoError(t, err)
	require.NoError(t, d.Refresh(ctx))
	assert.False(t, d.watchdog.Running(), "disabling the watchdog takes effect on refresh")
}

func TestRefreshRebuildsChatTransport(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	d, st := newTestDaemon(t, mux, &fakeOracle{})
	ctx := context.Background()

	require.Nil(t, d.Transport())

	_, err := st.Update(ctx, d.agentID, store.UpdatePatch{Telegram: &agent.TelegramConfig{
		BotToken: "TOKEN",
		ChatID:   "42",
		Enabled:  true,
	}})
	require.NoError(t, err)
	require.NoError(t, d.Refresh(ctx))
	require.NotNil(t, d.Transport(), "adding chat credentials takes effect on refresh")
	assert.False(t, d.Transport().IsRunning(), "daemon is stopped, transport stays idle")

	off := agent.TelegramConfig{BotToken: "TOKEN", ChatID: "42", Enabled: false}
	_, err = st.Update(ctx, d.agentID, store.UpdatePatch{Telegram: &off})
	require.NoError(t, err)
	require.NoError(t, d.Refresh(ctx))
	assert.Nil(t, d.Transport(), "disabling chat removes the transport")
}

func TestHookEventFlowsToMachine(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: &oracle.Decision{
		Action:   oracle.ActionRespond,
		Response: "continue",
		Reason:   "pane idle",
	}}
	d, _ := newTestDaemon(t, mux, dec)

	d.HandleHookEvent(context.Background(), &agent.HookEvent{
		AgentID:   d.agentID,
		EventType: agent.EventStop,
	})

	assert.Equal(t, []string{"literal:continue", "enter"}, mux.opList())
	assert.False(t, d.GuardState().LastResponseTime.IsZero())
}

func TestInstructReturnsDecision(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: &oracle.Decision{
		Action:   oracle.ActionRespond,
		Response: "git status",
		Reason:   "operator asked",
	}}
	d, _ := newTestDaemon(t, mux, dec)

	got, err := d.Instruct(context.Background(), "check the working tree")
	require.NoError(t, err)
	assert.Equal(t, oracle.ActionRespond, got.Action)
	assert.Equal(t, []string{"literal:git status", "enter"}, mux.opList())

	dec.mu.Lock()
	defer dec.mu.Unlock()
	require.Len(t, dec.inputs, 1)
	assert.Equal(t, "check the working tree", dec.inputs[0].HumanInstruction)
}

func TestChatMessageFormatsReply(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: &oracle.Decision{
		Action:   oracle.ActionRespond,
		Response: "npm run lint",
		Reason:   "operator asked",
	}}
	d, _ := newTestDaemon(t, mux, dec)

	reply, err := d.handleChatMessage(context.Background(), "lint the repo")
	require.NoError(t, err)
	assert.Equal(t, "Sent to the session:\nnpm run lint", reply)
}

func TestFormatDecision(t *testing.T) {
	cases := []struct {
		decision oracle.Decision
		want     string
	}{
		{oracle.Decision{Action: oracle.ActionWait, Reason: "build running"}, "Decided to wait: build running"},
		{oracle.Decision{Action: oracle.ActionRequestHelp, Reason: "merge conflict"}, "The agent needs your attention: merge conflict"},
		{oracle.Decision{Action: oracle.ActionApprove, Reason: "safe command"}, "Executed approve: safe command"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatDecision(&tc.decision))
	}
}

func TestRingBufferReceivesCycleLines(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: &oracle.Decision{
		Action:   oracle.ActionRespond,
		Response: "continue",
		Reason:   "pane idle",
	}}
	d, _ := newTestDaemon(t, mux, dec)

	d.HandleHookEvent(context.Background(), &agent.HookEvent{
		AgentID:   d.agentID,
		EventType: agent.EventStop,
	})

	entries := d.deps.LogBuf.Entries()
	require.NotEmpty(t, entries)
	found := false
	for _, e := range entries {
		if e.Source == "esm" {
			found = true
		}
	}
	assert.True(t, found, "machine lines land in the agent ring buffer")
}

func TestWatchdogSettingsResolution(t *testing.T) {
	defaults := watchdogDefaults()

	// no per-agent tuning: process defaults apply
	s, enabled := watchdogSettings(&agent.Agent{}, defaults)
	assert.False(t, enabled)
	assert.Equal(t, 30*time.Second, s.PollInterval)
	assert.Equal(t, 3, s.Threshold)

	// per-agent tuning wins and is clamped to the minimums
	s, enabled = watchdogSettings(&agent.Agent{Watchdog: &agent.WatchdogSettings{
		PollIntervalSec:    1,
		ActionCooldownSec:  2,
		AttentionThreshold: 0,
		Enabled:            true,
	}}, defaults)
	assert.True(t, enabled)
	assert.Equal(t, 5*time.Second, s.PollInterval)
	assert.Equal(t, 10*time.Second, s.ActionCooldown)
	assert.Equal(t, 1, s.Threshold)
}
