package supervisor

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/common/config"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/session"
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

func (f *fakeMux) opCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

type fakeOracle struct {
	mu       sync.Mutex
	decision *oracle.Decision
	calls    int
}

func (f *fakeOracle) Decide(_ context.Context, _ oracle.Input) (*oracle.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.decision == nil {
		return &oracle.Decision{Action: oracle.ActionWait, Reason: "test default"}, nil
	}
	return f.decision, nil
}

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8600},
		Watchdog: config.WatchdogConfig{
			Enabled:            false,
			PollIntervalSec:    30,
			ActionCooldownSec:  60,
			AttentionThreshold: 3,
		},
	}
}

func newTestSupervisor(t *testing.T, mux *fakeMux, dec *fakeOracle) *Supervisor {
	t.Helper()
	log := newTestLogger(t)
	st := store.New(t.TempDir(), log)
	return New(Deps{
		Config:   testConfig(),
		Store:    st,
		Adapter:  terminal.NewAdapter(mux, 200, log),
		Oracle:   dec,
		Sessions: session.NewNoopManager(),
		Log:      log,
	})
}

func createConnected(t *testing.T, s *Supervisor, project string) *agent.Agent {
	t.Helper()
	ctx := context.Background()
	created, err := s.CreateAgent(ctx, "builder", "Ship it", store.CreateOptions{
		HookEvents: []agent.EventType{agent.EventStop, agent.EventNotification},
	})
	require.NoError(t, err)
	connected, err := s.ConnectAgent(ctx, created.ID, agent.Connection{
		ProjectPath:        project,
		SessionID:          "sess-1",
		PaneID:             "%1",
		AssistantSessionID: "asst-old",
	})
	require.NoError(t, err)
	return connected
}

func TestHandleHookEventUnknownAgent(t *testing.T) {
	s := newTestSupervisor(t, &fakeMux{screen: idleScreen}, &fakeOracle{})

	err := s.HandleHookEvent(context.Background(), "nope", &agent.HookEvent{
		AgentID:   "nope",
		EventType: agent.EventStop,
	})
	assert.ErrorIs(t, err, store.ErrAgentNotFound)
}

func TestHandleHookEventSessionMismatchDrops(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{}
	s := newTestSupervisor(t, mux, dec)
	a := createConnected(t, s, t.TempDir())

	err := s.HandleHookEvent(context.Background(), a.ID, &agent.HookEvent{
		AgentID:            a.ID,
		EventType:          agent.EventStop,
		AssistantSessionID: "asst-new",
	})
	require.NoError(t, err, "filtered events still return success to the hook")

	assert.Equal(t, 0, mux.opCount(), "no terminal interaction")
	assert.Equal(t, 0, dec.callCount(), "no oracle consultation")

	logs := s.AgentLogs(a.ID, 0)
	found := false
	for _, e := range logs {
		if e.Message == "Hook FILTERED: session mismatch" {
			found = true
		}
	}
	assert.True(t, found, "drop reason lands in the ring buffer")
}

func TestHandleHookEventUnsubscribedTypeDrops(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{}
	s := newTestSupervisor(t, mux, dec)
	a := createConnected(t, s, t.TempDir())

	err := s.HandleHookEvent(context.Background(), a.ID, &agent.HookEvent{
		AgentID:            a.ID,
		EventType:          agent.EventPreToolUse,
		AssistantSessionID: "asst-old",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, dec.callCount())
}

func TestHandleHookEventDispatchesToDaemon(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: &oracle.Decision{
		Action:   oracle.ActionRespond,
		Response: "continue",
		Reason:   "pane idle",
	}}
	s := newTestSupervisor(t, mux, dec)
	a := createConnected(t, s, t.TempDir())

	err := s.HandleHookEvent(context.Background(), a.ID, &agent.HookEvent{
		AgentID:            a.ID,
		EventType:          agent.EventStop,
		AssistantSessionID: "asst-old",
	})
	require.NoError(t, err)

	// the cycle completes before the hook receipt is returned
	assert.GreaterOrEqual(t, mux.opCount(), 2, "keystrokes reached the pane before HandleHookEvent returned")
	assert.Equal(t, 1, dec.callCount())
}

func TestSessionStartRefreshesAssistantSessionID(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	s := newTestSupervisor(t, mux, &fakeOracle{})
	a := createConnected(t, s, t.TempDir())

	// register the session so the manager-side record is refreshed too
	require.NoError(t, s.deps.Sessions.ReplaceSession(context.Background(), &session.Session{
		ID:   "sess-1",
		Main: session.Endpoint{PaneID: "%1", AssistantSessionID: "asst-old"},
	}))

	err := s.HandleHookEvent(context.Background(), a.ID, &agent.HookEvent{
		AgentID:            a.ID,
		EventType:          agent.EventSessionStart,
		AssistantSessionID: "asst-new",
		Data:               map[string]any{"source": "startup"},
	})
	require.NoError(t, err)

	got, err := s.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Connection)
	assert.Equal(t, "asst-new", got.Connection.AssistantSessionID)

	sess, err := s.deps.Sessions.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "asst-new", sess.Main.AssistantSessionID)
}

func TestConnectInstallsHooksAndStartsDaemon(t *testing.T) {
	project := t.TempDir()
	s := newTestSupervisor(t, &fakeMux{screen: idleScreen}, &fakeOracle{})
	a := createConnected(t, s, project)

	assert.True(t, s.DaemonRunning(a.ID))
	assert.Equal(t, agent.StatusActive, mustGet(t, s, a.ID).Status)

	_, err := os.Stat(settingsPath(project))
	assert.NoError(t, err, "hook settings written into the project")
}

func TestConnectDisconnectRoundTrip(t *testing.T) {
	project := t.TempDir()
	s := newTestSupervisor(t, &fakeMux{screen: idleScreen}, &fakeOracle{})
	a := createConnected(t, s, project)

	got, err := s.DisconnectAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Connection)
	assert.Equal(t, agent.StatusIdle, got.Status)
	assert.False(t, s.DaemonRunning(a.ID))

	doc := readSettingsFile(t, project)
	_, hasHooks := doc["hooks"]
	assert.False(t, hasHooks, "hooks removed from the project")
}

func TestDeleteAgentStopsAndRemoves(t *testing.T) {
	project := t.TempDir()
	s := newTestSupervisor(t, &fakeMux{screen: idleScreen}, &fakeOracle{})
	a := createConnected(t, s, project)

	deleted, err := s.DeleteAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, s.DaemonRunning(a.ID))

	_, err = s.GetAgent(context.Background(), a.ID)
	assert.ErrorIs(t, err, store.ErrAgentNotFound)

	// unknown id deletes cleanly
	deleted, err = s.DeleteAgent(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestInitializeResumesActiveAgents(t *testing.T) {
	project := t.TempDir()
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{}

	log := newTestLogger(t)
	dir := t.TempDir()
	st := store.New(dir, log)
	first := New(Deps{
		Config:   testConfig(),
		Store:    st,
		Adapter:  terminal.NewAdapter(mux, 200, log),
		Oracle:   dec,
		Sessions: session.NewNoopManager(),
		Log:      log,
	})
	a := createConnected(t, first, project)
	require.Equal(t, agent.StatusActive, mustGet(t, first, a.ID).Status)

	// a fresh supervisor over the same store resumes the active daemon
	second := New(Deps{
		Config:   testConfig(),
		Store:    st,
		Adapter:  terminal.NewAdapter(mux, 200, log),
		Oracle:   dec,
		Sessions: session.NewNoopManager(),
		Log:      log,
	})
	require.NoError(t, second.Initialize(context.Background()))
	assert.True(t, second.DaemonRunning(a.ID))

	second.Shutdown(context.Background())
	assert.False(t, second.DaemonRunning(a.ID))
}

func TestStopAgentLeavesRecordIdle(t *testing.T) {
	s := newTestSupervisor(t, &fakeMux{screen: idleScreen}, &fakeOracle{})
	a := createConnected(t, s, t.TempDir())

	s.StopAgent(context.Background(), a.ID)
	assert.False(t, s.DaemonRunning(a.ID))
	assert.Equal(t, agent.StatusIdle, mustGet(t, s, a.ID).Status)
}

func TestUpdateAgentRewritesHooksOnSubscriptionChange(t *testing.T) {
	project := t.TempDir()
	s := newTestSupervisor(t, &fakeMux{screen: idleScreen}, &fakeOracle{})
	a := createConnected(t, s, project)

	newEvents := []agent.EventType{agent.EventStop, agent.EventPreToolUse}
	_, err := s.UpdateAgent(context.Background(), a.ID, store.UpdatePatch{HookEvents: &newEvents})
	require.NoError(t, err)

	doc := readSettingsFile(t, project)
	assert.NotEmpty(t, eventGroups(t, doc, "PreToolUse"))
	hooks := doc["hooks"].(map[string]any)
	_, notifLeft := hooks["Notification"]
	assert.False(t, notifLeft, "dropped subscription removed from the project file")
}

func mustGet(t *testing.T, s *Supervisor, id string) *agent.Agent {
	t.Helper()
	a, err := s.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}
