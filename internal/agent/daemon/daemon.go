// Package daemon bundles everything that runs for one started agent:
// the event machine, the watchdog, and the optional operator chat
// transport. The supervisor creates a daemon when an agent starts and
// tears it down on stop, delete, or shutdown.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/machine"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/agent/watchdog"
	"github.com/enruana/claude-orka-sub000/internal/chat"
	"github.com/enruana/claude-orka-sub000/internal/chat/telegram"
	"github.com/enruana/claude-orka-sub000/internal/common/config"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/events"
	"github.com/enruana/claude-orka-sub000/internal/events/bus"
	"github.com/enruana/claude-orka-sub000/internal/journal"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/terminal"
)

// Deps carries the shared infrastructure a daemon hangs onto. Journal and
// Bus may be nil; the daemon then skips durable history and fan-out.
type Deps struct {
	Store    *store.Store
	Journal  *journal.Store
	Bus      bus.EventBus
	Adapter  *terminal.Adapter
	Oracle   oracle.Oracle
	LogBuf   *agent.LogBuffer
	Watchdog config.WatchdogConfig
	Log      *logger.Logger
}

// Daemon owns the running state of one agent.
type Daemon struct {
	agentID string
	deps    Deps
	log     *logger.Logger

	machine *machine.Machine

	// retuneMu serializes everything that swaps the watchdog or the chat
	// transport: Start, Stop, and Refresh-driven rebuilds.
	retuneMu        sync.Mutex
	watchdog        *watchdog.Watchdog
	transport       chat.Transport
	wdSettings      watchdog.Settings
	watchdogEnabled bool

	mu      sync.Mutex
	current *agent.Agent
	running bool
}

// New wires a daemon for the given agent record. The record is cached;
// Refresh reloads it after store edits.
func New(a *agent.Agent, deps Deps) (*Daemon, error) {
	d := &Daemon{
		agentID: a.ID,
		deps:    deps,
		log:     deps.Log.WithAgentID(a.ID),
		current: a,
	}

	if a.TelegramEnabled() {
		tr, err := telegram.New(telegram.Config{
			BotToken: a.Telegram.BotToken,
			ChatID:   a.Telegram.ChatID,
		}, d.handleChatMessage, d.log)
		if err != nil {
			return nil, fmt.Errorf("telegram transport: %w", err)
		}
		d.transport = tr
	}

	var notifier machine.Notifier
	if d.transport != nil {
		notifier = d.transport
	}
	d.machine = machine.New(a.ID, deps.Adapter, deps.Oracle, sink{d: d}, notifier, deps.Log)

	settings, enabled := watchdogSettings(a, deps.Watchdog)
	d.wdSettings = settings
	d.watchdogEnabled = enabled

	var wdNotifier watchdog.Notifier
	if d.transport != nil {
		wdNotifier = d.transport
	}
	d.watchdog = watchdog.New(a.ID, deps.Adapter, deps.Oracle, d.machine, d, wdNotifier, settings, deps.Log)

	return d, nil
}

// watchdogSettings resolves per-agent tuning against the process defaults.
func watchdogSettings(a *agent.Agent, defaults config.WatchdogConfig) (watchdog.Settings, bool) {
	if a.Watchdog == nil {
		return watchdog.Settings{
			PollInterval:   defaults.PollInterval(),
			ActionCooldown: defaults.ActionCooldown(),
			Threshold:      defaults.AttentionThreshold,
		}, defaults.Enabled
	}

	w := *a.Watchdog
	w.Normalize()
	return watchdog.Settings{
		PollInterval:   time.Duration(w.PollIntervalSec) * time.Second,
		ActionCooldown: time.Duration(w.ActionCooldownSec) * time.Second,
		Threshold:      w.AttentionThreshold,
	}, w.Enabled
}

// Start marks the agent active, brings up the chat transport, and starts
// the watchdog. Starting a running daemon is a no-op.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	if _, err := d.deps.Store.UpdateStatus(ctx, d.agentID, agent.StatusActive, ""); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("mark agent active: %w", err)
	}
	d.publishStatus(ctx, agent.StatusActive)

	d.retuneMu.Lock()
	if d.transport != nil {
		if err := d.transport.Start(ctx); err != nil {
			d.log.WithError(err).Warn("chat transport failed to start, continuing without it")
		}
	}
	if d.watchdogEnabled {
		d.watchdog.Start()
	}
	d.retuneMu.Unlock()

	d.log.Info("agent daemon started")
	return nil
}

// Stop halts the watchdog before the chat transport, then marks the agent
// idle. Stopping a stopped daemon is a no-op.
func (d *Daemon) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.retuneMu.Lock()
	d.watchdog.Stop()
	if d.transport != nil {
		if err := d.transport.Stop(); err != nil {
			d.log.WithError(err).Warn("chat transport stop failed")
		}
	}
	d.retuneMu.Unlock()

	if _, err := d.deps.Store.UpdateStatus(ctx, d.agentID, agent.StatusIdle, ""); err != nil {
		d.log.WithError(err).Error("failed to mark agent idle")
	}
	d.publishStatus(ctx, agent.StatusIdle)

	d.log.Info("agent daemon stopped")
}

// Refresh reloads the agent record so store edits take effect. When the
// edit touched the watchdog tuning or the chat credentials, the affected
// subsystem is rebuilt in place.
func (d *Daemon) Refresh(ctx context.Context) error {
	a, err := d.deps.Store.Get(ctx, d.agentID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	prev := d.current
	d.current = a
	running := d.running
	d.mu.Unlock()

	d.retune(ctx, prev, a, running)
	d.log.Debug("agent record refreshed")
	return nil
}

// retune rebuilds the chat transport and the watchdog when the refreshed
// record changed their configuration. A watchdog rebuild always follows a
// transport change, since the watchdog notifies through the transport.
func (d *Daemon) retune(ctx context.Context, prev, next *agent.Agent, running bool) {
	d.retuneMu.Lock()
	defer d.retuneMu.Unlock()

	transportChanged := telegramChanged(prev, next)
	if transportChanged {
		d.rebuildTransport(ctx, next, running)
	}

	settings, enabled := watchdogSettings(next, d.deps.Watchdog)
	if !transportChanged && settings == d.wdSettings && enabled == d.watchdogEnabled {
		return
	}
	d.rebuildWatchdog(settings, enabled, running)
}

// rebuildTransport must be called with retuneMu held.
func (d *Daemon) rebuildTransport(ctx context.Context, a *agent.Agent, running bool) {
	if d.transport != nil {
		if err := d.transport.Stop(); err != nil {
			d.log.WithError(err).Warn("chat transport stop failed during rebuild")
		}
		d.transport = nil
	}

	if a.TelegramEnabled() {
		tr, err := telegram.New(telegram.Config{
			BotToken: a.Telegram.BotToken,
			ChatID:   a.Telegram.ChatID,
		}, d.handleChatMessage, d.log)
		if err != nil {
			d.log.WithError(err).Warn("chat transport not rebuilt, continuing without it")
		} else {
			d.transport = tr
			if running {
				if err := tr.Start(ctx); err != nil {
					d.log.WithError(err).Warn("chat transport failed to start, continuing without it")
				}
			}
		}
	}

	var n machine.Notifier
	if d.transport != nil {
		n = d.transport
	}
	d.machine.SetNotifier(n)
	d.log.Info("chat transport retuned")
}

// rebuildWatchdog must be called with retuneMu held.
func (d *Daemon) rebuildWatchdog(settings watchdog.Settings, enabled, running bool) {
	d.watchdog.Stop()

	var wdNotifier watchdog.Notifier
	if d.transport != nil {
		wdNotifier = d.transport
	}
	d.watchdog = watchdog.New(d.agentID, d.deps.Adapter, d.deps.Oracle, d.machine, d, wdNotifier, settings, d.deps.Log)
	d.wdSettings = settings
	d.watchdogEnabled = enabled

	if running && enabled {
		d.watchdog.Start()
	}
	d.log.Info("watchdog retuned")
}

// telegramChanged reports whether two records disagree on the operator
// chat configuration.
func telegramChanged(prev, next *agent.Agent) bool {
	a, b := prev.Telegram, next.Telegram
	switch {
	case a == nil && b == nil:
		return false
	case a == nil || b == nil:
		return true
	default:
		return *a != *b
	}
}

// HandleHookEvent delegates an admitted event to the event machine.
func (d *Daemon) HandleHookEvent(ctx context.Context, ev *agent.HookEvent) {
	d.machine.HandleEvent(ctx, d.CurrentAgent(), ev)
}

// Instruct runs an operator instruction through the event machine and
// returns the oracle's decision.
func (d *Daemon) Instruct(ctx context.Context, text string) (*oracle.Decision, error) {
	return d.machine.HandleInstruction(ctx, d.CurrentAgent(), text)
}

// CurrentAgent returns the cached agent record.
func (d *Daemon) CurrentAgent() *agent.Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Running reports whether Start has been called without a matching Stop.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// GuardState exposes the machine's guard bookkeeping for the status API.
func (d *Daemon) GuardState() machine.GuardState {
	return d.machine.GuardState()
}

// Transport returns the operator chat transport, or nil.
func (d *Daemon) Transport() chat.Transport {
	d.retuneMu.Lock()
	defer d.retuneMu.Unlock()
	return d.transport
}

// handleChatMessage feeds an inbound operator message to the machine and
// phrases the decision as a chat reply.
func (d *Daemon) handleChatMessage(ctx context.Context, text string) (string, error) {
	decision, err := d.Instruct(ctx, text)
	if err != nil {
		return "", err
	}
	return formatDecision(decision), nil
}

func formatDecision(dec *oracle.Decision) string {
	switch dec.Action {
	case oracle.ActionRespond:
		return "Sent to the session:\n" + dec.Response
	case oracle.ActionWait:
		return "Decided to wait: " + dec.Reason
	case oracle.ActionRequestHelp:
		return "The agent needs your attention: " + dec.Reason
	default:
		return "Executed " + string(dec.Action) + ": " + dec.Reason
	}
}

func (d *Daemon) publishStatus(ctx context.Context, status agent.Status) {
	if d.deps.Bus == nil {
		return
	}
	ev := bus.NewEvent(events.AgentStatusChanged, "daemon", map[string]any{
		"agentId": d.agentID,
		"status":  string(status),
	})
	if err := d.deps.Bus.Publish(ctx, events.AgentStatusChanged, ev); err != nil {
		d.log.WithError(err).Debug("status event not published")
	}
}

// sink funnels machine observability into the ring buffer, the journal,
// and the event bus.
type sink struct {
	d *Daemon
}

func (s sink) Log(level, source, message string) {
	d := s.d
	if d.deps.LogBuf != nil {
		d.deps.LogBuf.Append(level, source, message)
	}
	if d.deps.Bus == nil {
		return
	}
	payload := events.LogPayload{
		AgentID:   d.agentID,
		Level:     level,
		Source:    source,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	ev := bus.NewEvent(events.LogAppended, "daemon", payload)
	if err := d.deps.Bus.Publish(context.Background(), events.BuildLogSubject(d.agentID), ev); err != nil {
		d.log.WithError(err).Debug("log event not published")
	}
}

func (s sink) Journal(ctx context.Context, e journal.Entry) {
	d := s.d
	if e.AgentID == "" {
		e.AgentID = d.agentID
	}
	if d.deps.Journal != nil {
		if err := d.deps.Journal.Append(ctx, e); err != nil {
			d.log.WithError(err).Error("journal append failed")
		}
	}
	if e.Kind != journal.KindAction || d.deps.Bus == nil {
		return
	}
	payload := events.ActionPayload{
		AgentID:   d.agentID,
		Action:    e.Detail,
		EventType: e.EventType,
		Timestamp: time.Now().UTC(),
	}
	ev := bus.NewEvent(events.ActionExecuted, "daemon", payload)
	if err := d.deps.Bus.Publish(ctx, events.BuildActionSubject(d.agentID), ev); err != nil {
		d.log.WithError(err).Debug("action event not published")
	}
}
