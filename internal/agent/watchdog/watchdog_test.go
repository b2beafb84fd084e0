package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/chat"
	"github.com/enruana/claude-orka-sub000/internal/common/constants"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/terminal"
)

const (
	idleScreen = "build finished\n❯ \n? for shortcuts"
	busyScreen = "✻ Thinking…"
)

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
	mu         sync.Mutex
	screen     string
	captureErr error
	captures   int
	ops        []string
}

func (f *fakeMux) Capture(_ context.Context, _ string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return "", f.captureErr
	}
	f.captures++
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

func (f *fakeMux) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

type fakeOracle struct {
	mu       sync.Mutex
	decision *oracle.Decision
	err      error
	calls    int
}

func (f *fakeOracle) Decide(_ context.Context, _ oracle.Input) (*oracle.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEngine struct {
	mu       sync.Mutex
	busy     bool
	last     time.Time
	recorded int
}

func (f *fakeEngine) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeEngine) LastResponseTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeEngine) RecordExternalAction() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded++
	f.last = time.Now()
}

func (f *fakeEngine) recordedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recorded
}

type fakeAgents struct {
	mu sync.Mutex
	a  *agent.Agent
}

func (f *fakeAgents) CurrentAgent() *agent.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.a
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []chat.Notification
}

func (f *fakeNotifier) SendNotification(_ context.Context, n chat.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) notifications() []chat.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Notification(nil), f.sent...)
}

func testAgent() *agent.Agent {
	return &agent.Agent{
		ID:           "agent-1",
		Name:         "builder",
		MasterPrompt: "Keep the build green",
		Connection:   &agent.Connection{PaneID: "%1", SessionID: "sess-1"},
	}
}

func respondDecision() *oracle.Decision {
	return &oracle.Decision{
		Action:   oracle.ActionRespond,
		Response: "continue",
		Reason:   "pane idle with work remaining",
	}
}

func newTestWatchdog(t *testing.T, mux *fakeMux, dec *fakeOracle, s Settings) (*Watchdog, *fakeEngine, *fakeNotifier) {
	t.Helper()
	log := newTestLogger(t)
	engine := &fakeEngine{}
	notifier := &fakeNotifier{}
	agents := &fakeAgents{a: testAgent()}
	w := New("agent-1", terminal.NewAdapter(mux, 200, log), dec, engine, agents, notifier, s, log)
	return w, engine, notifier
}

func TestTickSkipsWithoutPane(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: respondDecision()}
	w, _, _ := newTestWatchdog(t, mux, dec, Settings{Threshold: 1})
	w.agents.(*fakeAgents).a = &agent.Agent{ID: "agent-1"}
	w.attention = 2

	w.tick(context.Background())

	assert.Zero(t, mux.captureCount())
	assert.Zero(t, dec.callCount())
	assert.Zero(t, w.attention)
}

func TestTickSkipsWhenEngineBusy(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: respondDecision()}
	w, engine, _ := newTestWatchdog(t, mux, dec, Settings{Threshold: 1})
	engine.busy = true
	w.attention = 2

	w.tick(context.Background())

	assert.Zero(t, mux.captureCount(), "a busy machine means no capture")
	assert.Zero(t, w.attention)
}

func TestTickResetsWhenAssistantWorking(t *testing.T) {
	mux := &fakeMux{screen: busyScreen}
	dec := &fakeOracle{decision: respondDecision()}
	w, _, _ := newTestWatchdog(t, mux, dec, Settings{Threshold: 1})
	w.attention = 2

	w.tick(context.Background())

	assert.Zero(t, dec.callCount(), "a working assistant needs no oracle")
	assert.Zero(t, w.attention)
}

func TestTickCaptureFailureResetsCounter(t *testing.T) {
	mux := &fakeMux{captureErr: errors.New("no server running")}
	dec := &fakeOracle{decision: respondDecision()}
	w, _, _ := newTestWatchdog(t, mux, dec, Settings{Threshold: 1})
	w.attention = 2

	w.tick(context.Background())

	assert.Zero(t, dec.callCount())
	assert.Zero(t, w.attention)
	assert.Empty(t, mux.opList())
}

func TestTickWaitResetsCounter(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: &oracle.Decision{Action: oracle.ActionWait, Reason: "deliberate pause"}}
	w, _, _ := newTestWatchdog(t, mux, dec, Settings{Threshold: 1})
	w.attention = 3

	w.tick(context.Background())

	assert.Zero(t, w.attention)
	assert.Empty(t, mux.opList())
}

func TestTickOracleFailureTreatedAsWait(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{err: oracle.ErrUnavailable}
	w, engine, _ := newTestWatchdog(t, mux, dec, Settings{Threshold: 1})
	w.attention = 3

	w.tick(context.Background())

	assert.Zero(t, w.attention)
	assert.Empty(t, mux.opList())
	assert.Zero(t, engine.recordedCount())
}

func TestWatchdogActsOnlyAfterThreshold(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: respondDecision()}
	w, engine, _ := newTestWatchdog(t, mux, dec, Settings{
		PollInterval:   25 * time.Millisecond,
		ActionCooldown: 200 * time.Millisecond,
		Threshold:      2,
	})

	// first poll sees the idle pane: attention only
	w.tick(context.Background())
	assert.Equal(t, 1, w.attention)
	assert.Empty(t, mux.opList())
	assert.Zero(t, engine.recordedCount())

	// second consecutive poll crosses the threshold and acts
	w.tick(context.Background())
	assert.Zero(t, w.attention)
	assert.Equal(t, []string{"literal:continue", "enter"}, mux.opList())
	assert.Equal(t, 1, engine.recordedCount())
	assert.False(t, w.lastActionAt.IsZero())

	// the next poll starts accumulating from scratch
	w.tick(context.Background())
	assert.Equal(t, 1, w.attention)
	assert.Len(t, mux.opList(), 2, "no second action below the threshold")
}

func TestThresholdReachedButCooldownHolds(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: respondDecision()}
	w, engine, _ := newTestWatchdog(t, mux, dec, Settings{
		PollInterval:   10 * time.Millisecond,
		ActionCooldown: 60 * time.Millisecond,
		Threshold:      1,
	})

	w.tick(context.Background())
	require.Equal(t, 1, engine.recordedCount(), "first tick acts immediately at threshold 1")

	// threshold is met again, but the action just happened
	w.tick(context.Background())
	assert.Equal(t, 1, engine.recordedCount(), "cooldown must hold the action back")
	assert.Equal(t, 1, w.attention, "the counter survives a cooldown hold")

	time.Sleep(80 * time.Millisecond)
	w.tick(context.Background())
	assert.Equal(t, 2, engine.recordedCount(), "after the cooldown the held attention acts")
}

func TestMachineActivityBlocksCooldown(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: respondDecision()}
	w, engine, _ := newTestWatchdog(t, mux, dec, Settings{
		ActionCooldown: time.Minute,
		Threshold:      1,
	})
	engine.last = time.Now()

	w.tick(context.Background())

	assert.Empty(t, mux.opList(), "fresh machine keystrokes block the watchdog")
	assert.Equal(t, 1, w.attention)
}

func TestRequestHelpNotifiesWithoutTyping(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: &oracle.Decision{
		Action: oracle.ActionRequestHelp,
		Reason: "tests keep flaking, need a human",
	}}
	w, engine, notifier := newTestWatchdog(t, mux, dec, Settings{Threshold: 1})

	w.tick(context.Background())

	assert.Empty(t, mux.opList())
	assert.Equal(t, 1, engine.recordedCount())

	sent := notifier.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, chat.LevelWarn, sent[0].Level)
	assert.Equal(t, "tests keep flaking, need a human", sent[0].Body)
	assert.Contains(t, sent[0].TerminalSnippet, "build finished")
}

func TestOverlapGuardSkipsConcurrentTick(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: respondDecision()}
	w, _, _ := newTestWatchdog(t, mux, dec, Settings{Threshold: 1})

	w.tickActive.Store(true)
	w.tick(context.Background())

	assert.Zero(t, mux.captureCount())
	w.tickActive.Store(false)
}

func TestStartStopLifecycle(t *testing.T) {
	mux := &fakeMux{screen: idleScreen}
	dec := &fakeOracle{decision: respondDecision()}
	w, engine, _ := newTestWatchdog(t, mux, dec, Settings{
		PollInterval:   10 * time.Millisecond,
		ActionCooldown: 5 * time.Millisecond,
		Threshold:      1,
	})

	w.Start()
	w.Start() // second start is a no-op
	assert.True(t, w.Running())

	assert.Eventually(t, func() bool {
		return engine.recordedCount() >= 1
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.False(t, w.Running())
}

func TestDefaultsApplied(t *testing.T) {
	var s Settings
	s.applyDefaults()
	assert.Equal(t, constants.DefaultWatchdogPollInterval, s.PollInterval)
	assert.Equal(t, constants.DefaultWatchdogActionCooldown, s.ActionCooldown)
	assert.Equal(t, constants.DefaultAttentionThreshold, s.Threshold)
}
