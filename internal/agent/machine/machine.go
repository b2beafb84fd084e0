// Package machine implements the per-agent event state machine: the
// single place that decides how one inbound hook event (or one human
// instruction) turns into keystrokes against the agent's pane. A cycle
// runs guard admission, terminal capture and parse, a fast-path check
// for unambiguous states, an oracle consultation for everything else,
// and finally the adapter call carrying out the decision.
package machine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/chat"
	"github.com/enruana/claude-orka-sub000/internal/common/constants"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/common/tracing"
	"github.com/enruana/claude-orka-sub000/internal/journal"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/terminal"
)

// sourceESM tags ring-buffer lines written by the state machine.
const sourceESM = "esm"

// triggerInstruction labels cycles started by an operator message rather
// than a hook event.
const triggerInstruction = "HumanInstruction"

// Sink receives everything a cycle wants remembered: ring-buffer lines
// for the live status surface and durable journal rows. Implementations
// absorb journal write failures; a cycle never fails because history
// could not be recorded.
type Sink interface {
	Log(level, source, message string)
	Journal(ctx context.Context, e journal.Entry)
}

// Notifier pushes operator notifications over the agent's chat transport.
type Notifier interface {
	SendNotification(ctx context.Context, n chat.Notification) error
}

// Machine runs decision cycles for a single agent. All entry points
// funnel through the Guard, so at most one cycle touches the pane at a
// time; concurrent events are dropped, concurrent instructions wait.
type Machine struct {
	agentID string
	adapter *terminal.Adapter
	decider oracle.Oracle
	sink    Sink
	guard   *Guard
	log     *logger.Logger
	tracer  trace.Tracer

	notifierMu sync.Mutex
	notifier   Notifier

	now                 func() time.Time
	restartPollInterval time.Duration
	restartMaxWait      time.Duration
	instructionWait     time.Duration
}

// New builds a Machine for one agent. notifier may be nil when the agent
// has no chat transport configured.
func New(agentID string, adapter *terminal.Adapter, decider oracle.Oracle, sink Sink, notifier Notifier, log *logger.Logger) *Machine {
	return &Machine{
		agentID:             agentID,
		adapter:             adapter,
		decider:             decider,
		sink:                sink,
		notifier:            notifier,
		guard:               &Guard{},
		log:                 log.WithAgentID(agentID),
		tracer:              tracing.Tracer("machine"),
		now:                 time.Now,
		restartPollInterval: constants.SessionRestartPollInterval,
		restartMaxWait:      constants.SessionRestartMaxWait,
		instructionWait:     constants.InstructionLockWait,
	}
}

// SetNotifier swaps the chat notifier, so a transport rebuilt after a
// config edit takes over without restarting the machine. nil disables
// notifications.
func (m *Machine) SetNotifier(n Notifier) {
	m.notifierMu.Lock()
	m.notifier = n
	m.notifierMu.Unlock()
}

func (m *Machine) currentNotifier() Notifier {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	return m.notifier
}

// GuardState exposes the guard's bookkeeping for the status surface and
// the watchdog.
func (m *Machine) GuardState() GuardState {
	return m.guard.State()
}

// Busy reports whether a cycle currently holds the guard.
func (m *Machine) Busy() bool {
	return m.guard.State().Processing
}

// LastResponseTime reports when keystrokes were last sent to the pane,
// by a cycle or by an external actor that called RecordExternalAction.
func (m *Machine) LastResponseTime() time.Time {
	return m.guard.State().LastResponseTime
}

// RecordExternalAction stamps the cooldown clock on behalf of a caller
// outside the machine, such as the watchdog, so the next echo event is
// absorbed like one of our own.
func (m *Machine) RecordExternalAction() {
	m.guard.RecordResponse(m.now())
}

// HandleEvent runs one decision cycle for an inbound hook event. Events
// arriving while a cycle runs, or inside the post-keystroke cooldown,
// are dropped with a logged reason; nothing is queued.
func (m *Machine) HandleEvent(ctx context.Context, a *agent.Agent, ev *agent.HookEvent) {
	ctx, span := m.tracer.Start(ctx, "machine.cycle", trace.WithAttributes(
		attribute.String("agent.id", m.agentID),
		attribute.String("event.type", string(ev.EventType)),
	))
	defer span.End()

	hold, verdict := m.guard.Admit(ev.EventType, m.now())
	if !verdict.Admitted {
		span.SetAttributes(attribute.String("cycle.dropped", string(verdict.Reason)))
		m.dropEvent(ctx, ev, verdict.Reason)
		return
	}
	defer hold.Release()

	if verdict.Forced {
		m.log.WithEventType(string(ev.EventType)).Warn("force-released a cycle stuck past the processing ceiling")
		m.sink.Log(agent.LogLevelWarn, sourceESM, "Guard force-released: previous cycle exceeded the processing ceiling")
		m.sink.Journal(ctx, journal.Entry{
			AgentID:   m.agentID,
			Kind:      journal.KindStatus,
			EventType: string(ev.EventType),
			Detail:    "guard force-released",
		})
		m.notify(ctx, chat.Notification{
			Level: chat.LevelWarn,
			Title: "Supervision cycle force-released",
			Body:  "A processing cycle exceeded the ceiling and was reset. The agent may need a look.",
		})
	}
	if verdict.Bypassed {
		m.sink.Log(agent.LogLevelInfo, sourceESM, "Cooldown bypassed: SessionStart follow-up after a context reset")
	}

	c := &cycle{agent: a, event: ev, trigger: string(ev.EventType)}
	m.runCycle(ctx, c)
}

// HandleInstruction runs a decision cycle for an operator instruction.
// It waits up to instructionWait for any running cycle to finish, then
// captures the pane, consults the oracle with the instruction attached,
// and executes the decision. The decision is returned so chat and API
// callers can echo it to the operator.
func (m *Machine) HandleInstruction(ctx context.Context, a *agent.Agent, text string) (*oracle.Decision, error) {
	ctx, span := m.tracer.Start(ctx, "machine.instruction", trace.WithAttributes(
		attribute.String("agent.id", m.agentID),
	))
	defer span.End()

	hold, err := m.guard.WaitAcquire(ctx, triggerInstruction, m.instructionWait)
	if err != nil {
		return nil, err
	}
	defer hold.Release()

	c := &cycle{agent: a, trigger: triggerInstruction, instruction: text}
	if !m.captureAndParse(ctx, c) {
		return nil, terminal.ErrTerminalUnavailable
	}

	decision, err := m.decider.Decide(ctx, oracle.Input{
		MasterPrompt:     a.MasterPrompt,
		TerminalText:     c.snapshot.Text,
		TerminalState:    *c.state,
		TriggerLabel:     triggerInstruction,
		HumanInstruction: text,
	})
	if err != nil {
		m.sink.Log(agent.LogLevelError, sourceESM, "Instruction failed: "+err.Error())
		return nil, err
	}

	c.decision = decision
	c.decisionSource = "oracle"
	m.recordDecision(ctx, c)
	m.execute(ctx, c)
	return decision, nil
}
