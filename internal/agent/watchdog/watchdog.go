// Package watchdog polls an agent's pane on a timer and nudges sessions
// the event machine never hears about: a crashed assistant, a prompt
// that fired no hook, a TUI wedged mid-redraw. It acts only when the
// machine is idle, only after the same concern shows up on consecutive
// polls, and never twice inside the action cooldown.
package watchdog

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/chat"
	"github.com/enruana/claude-orka-sub000/internal/common/constants"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/common/tracing"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/terminal"
)

// triggerLabel identifies watchdog-initiated oracle consultations.
const triggerLabel = "Watchdog (periodic check)"

// Settings tunes one watchdog instance. Zero values fall back to the
// process-wide defaults.
type Settings struct {
	PollInterval   time.Duration
	ActionCooldown time.Duration
	Threshold      int
}

func (s *Settings) applyDefaults() {
	if s.PollInterval <= 0 {
		s.PollInterval = constants.DefaultWatchdogPollInterval
	}
	if s.ActionCooldown <= 0 {
		s.ActionCooldown = constants.DefaultWatchdogActionCooldown
	}
	if s.Threshold <= 0 {
		s.Threshold = constants.DefaultAttentionThreshold
	}
}

// Engine is the slice of the event machine the watchdog reads and pokes.
// Busy gates polls, LastResponseTime feeds the cooldown, and
// RecordExternalAction lets the machine absorb the echo of our keystrokes.
type Engine interface {
	Busy() bool
	LastResponseTime() time.Time
	RecordExternalAction()
}

// AgentSource supplies the current agent record, so edits made while the
// watchdog runs take effect on the next tick.
type AgentSource interface {
	CurrentAgent() *agent.Agent
}

// Notifier pushes operator notifications over the agent's chat transport.
type Notifier interface {
	SendNotification(ctx context.Context, n chat.Notification) error
}

// Watchdog owns one agent's poll loop. Ticks are serialized by an overlap
// guard, so the attention counter and cooldown stamp are only ever touched
// by one tick at a time.
type Watchdog struct {
	agentID  string
	adapter  *terminal.Adapter
	decider  oracle.Oracle
	engine   Engine
	agents   AgentSource
	notifier Notifier
	settings Settings
	log      *logger.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	tickActive   atomic.Bool
	attention    int
	lastActionAt time.Time
}

// New builds a watchdog for one agent. notifier may be nil when the agent
// has no chat transport configured.
func New(agentID string, adapter *terminal.Adapter, decider oracle.Oracle, engine Engine, agents AgentSource, notifier Notifier, settings Settings, log *logger.Logger) *Watchdog {
	settings.applyDefaults()
	return &Watchdog{
		agentID:  agentID,
		adapter:  adapter,
		decider:  decider,
		engine:   engine,
		agents:   agents,
		notifier: notifier,
		settings: settings,
		log:      log.WithAgentID(agentID),
		tracer:   tracing.Tracer("watchdog"),
	}
}

// Start launches the poll loop. Calling Start on a running watchdog is a
// no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(ctx, w.done)
	w.log.Info("watchdog started",
		zap.Duration("poll_interval", w.settings.PollInterval),
		zap.Int("threshold", w.settings.Threshold))
}

// Stop halts the poll loop and waits for an in-flight tick to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.log.Info("watchdog stopped")
}

// Running reports whether the poll loop is active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watchdog) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs one poll. The attention counter resets whenever the pane is
// absent, the machine or the assistant is busy, or the oracle sees nothing
// to do; it survives polls where only the cooldown prevented acting.
func (w *Watchdog) tick(ctx context.Context) {
	if !w.tickActive.CompareAndSwap(false, true) {
		w.log.Debug("previous tick still running, skipping")
		return
	}
	defer w.tickActive.Store(false)

	ctx, span := w.tracer.Start(ctx, "watchdog.tick", trace.WithAttributes(
		attribute.String("agent.id", w.agentID)))
	defer span.End()

	a := w.agents.CurrentAgent()
	if a == nil || a.Connection == nil || a.Connection.PaneID == "" {
		w.attention = 0
		return
	}

	if w.engine.Busy() {
		w.attention = 0
		w.log.Debug("event machine mid-cycle, counter reset")
		return
	}

	snap, err := w.adapter.Capture(ctx, a.Connection.PaneID, 0)
	if err != nil {
		w.attention = 0
		w.log.WithError(err).Error("watchdog capture failed")
		return
	}
	st := w.adapter.Parse(snap)
	if st.IsProcessing {
		w.attention = 0
		w.log.Debug("assistant working, counter reset")
		return
	}

	decision, err := w.decider.Decide(ctx, oracle.Input{
		MasterPrompt:  a.MasterPrompt,
		TerminalText:  snap.Text,
		TerminalState: st,
		TriggerLabel:  triggerLabel,
	})
	if err != nil || decision == nil || decision.Action == oracle.ActionWait {
		if err != nil {
			w.log.WithError(err).Warn("oracle unavailable, treating as wait")
		}
		w.attention = 0
		return
	}

	w.attention++
	w.log.Debug("pane needs attention",
		zap.Int("consecutive", w.attention),
		zap.String("action", string(decision.Action)))

	if w.attention < w.settings.Threshold {
		return
	}
	if !w.cooldownClear() {
		w.log.Debug("threshold reached but cooldown active, holding")
		return
	}

	w.act(ctx, a, snap, decision)
	w.attention = 0
}

// cooldownClear requires distance from both our own last action and the
// machine's last keystroke, so the watchdog never piles onto fresh activity.
func (w *Watchdog) cooldownClear() bool {
	now := time.Now()
	if !w.lastActionAt.IsZero() && now.Sub(w.lastActionAt) < w.settings.ActionCooldown {
		return false
	}
	if last := w.engine.LastResponseTime(); !last.IsZero() && now.Sub(last) < w.settings.ActionCooldown {
		return false
	}
	return true
}

func (w *Watchdog) act(ctx context.Context, a *agent.Agent, snap *terminal.Snapshot, d *oracle.Decision) {
	paneID := a.Connection.PaneID

	var err error
	switch d.Action {
	case oracle.ActionRespond:
		err = w.adapter.SendLiteralThenEnter(ctx, paneID, d.Response)
	case oracle.ActionApprove:
		err = w.adapter.SendApprove(ctx, paneID)
	case oracle.ActionReject:
		err = w.adapter.SendReject(ctx, paneID)
	case oracle.ActionCompact:
		err = w.adapter.SendCompact(ctx, paneID)
	case oracle.ActionClear:
		err = w.adapter.SendClear(ctx, paneID)
	case oracle.ActionEscape:
		err = w.adapter.SendEscape(ctx, paneID)
	case oracle.ActionRequestHelp:
		// nothing is typed; the notification below carries the ask
	}
	if err != nil {
		w.log.WithError(err).Error("watchdog action not delivered")
		return
	}

	if d.Action == oracle.ActionRequestHelp {
		w.notify(ctx, chat.Notification{
			Level:           chat.LevelWarn,
			Title:           "Agent requests help",
			Body:            d.Reason,
			TerminalSnippet: lastLines(snap.Text, constants.HelpSnippetLines),
		})
	}
	if d.Notification != nil {
		level := chat.LevelInfo
		switch d.Notification.Level {
		case oracle.LevelWarn:
			level = chat.LevelWarn
		case oracle.LevelError:
			level = chat.LevelError
		}
		w.notify(ctx, chat.Notification{Level: level, Title: "Agent notification", Body: d.Notification.Message})
	}

	w.engine.RecordExternalAction()
	w.lastActionAt = time.Now()
	w.log.Info("watchdog acted",
		zap.String("action", string(d.Action)),
		zap.String("reason", d.Reason))
}

func (w *Watchdog) notify(ctx context.Context, n chat.Notification) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.SendNotification(ctx, n); err != nil {
		w.log.WithError(err).Warn("operator notification failed")
	}
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
