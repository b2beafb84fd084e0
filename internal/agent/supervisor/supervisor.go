// Package supervisor is the orchestrator: it owns the agent store view,
// the per-agent daemons and log buffers, routes every inbound hook event
// through the subscription and session filters, and keeps hook
// configuration installed in supervised projects.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/daemon"
	"github.com/enruana/claude-orka-sub000/internal/agent/machine"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/common/config"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/common/tracing"
	"github.com/enruana/claude-orka-sub000/internal/events"
	"github.com/enruana/claude-orka-sub000/internal/events/bus"
	"github.com/enruana/claude-orka-sub000/internal/journal"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/session"
	"github.com/enruana/claude-orka-sub000/internal/terminal"
)

// Deps carries the infrastructure the supervisor distributes to daemons.
// Journal and Bus may be nil.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Journal  *journal.Store
	Bus      bus.EventBus
	Adapter  *terminal.Adapter
	Oracle   oracle.Oracle
	Sessions session.Manager
	Log      *logger.Logger
}

// Supervisor routes hook events to agent daemons and fronts all agent
// lifecycle operations.
type Supervisor struct {
	deps   Deps
	log    *logger.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	daemons map[string]*daemon.Daemon
	logbufs map[string]*agent.LogBuffer
}

// New builds a supervisor. Call Initialize before serving traffic.
func New(deps Deps) *Supervisor {
	return &Supervisor{
		deps:    deps,
		log:     deps.Log,
		tracer:  tracing.Tracer("supervisor"),
		daemons: make(map[string]*daemon.Daemon),
		logbufs: make(map[string]*agent.LogBuffer),
	}
}

// Initialize records the ingress port in the store and restarts daemons
// for agents that were active when the previous process exited, so the
// active-implies-daemon invariant holds across restarts.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if err := s.deps.Store.SetHookServerPort(ctx, s.deps.Config.Server.Port); err != nil {
		return fmt.Errorf("record ingress port: %w", err)
	}

	agents, err := s.deps.Store.List(ctx)
	if err != nil {
		return err
	}
	for i := range agents {
		a := agents[i]
		if a.Status != agent.StatusActive {
			continue
		}
		if err := s.StartAgent(ctx, a.ID); err != nil {
			s.log.WithAgentID(a.ID).WithError(err).Error("failed to resume agent daemon")
		}
	}

	s.log.Info("supervisor initialized", zap.Int("agents", len(agents)))
	return nil
}

// Shutdown stops every running daemon in parallel and waits for them.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	running := make([]*daemon.Daemon, 0, len(s.daemons))
	for _, d := range s.daemons {
		running = append(running, d)
	}
	s.daemons = make(map[string]*daemon.Daemon)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range running {
		d := d
		g.Go(func() error {
			d.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info("supervisor shut down", zap.Int("daemons_stopped", len(running)))
}

// HandleHookEvent validates, filters, and dispatches one inbound event.
// Returns store.ErrAgentNotFound for unknown agents so the ingress can
// reply 404; every other outcome, including a filtered drop, is a 200.
// The decision cycle runs before this returns, so the hook's receipt
// means the event was fully handled. Near-simultaneous events keep
// their arrival order at the machine guard; the loser of a race is
// dropped there, never reordered.
func (s *Supervisor) HandleHookEvent(ctx context.Context, agentID string, ev *agent.HookEvent) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.hook", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("event.type", string(ev.EventType)),
	))
	defer span.End()

	a, err := s.deps.Store.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			s.log.WithAgentID(agentID).WithEventType(string(ev.EventType)).Warn("hook for unknown agent")
			s.publishHook(ctx, agentID, ev, agent.DropUnknownAgent)
			s.journalDrop(ctx, agentID, ev, agent.DropUnknownAgent)
		}
		return err
	}

	// A restarted session announces its new assistant id before filtering.
	if ev.EventType == agent.EventSessionStart && ev.AssistantSessionID != "" {
		s.refreshAssistantSession(ctx, a, ev.AssistantSessionID)
	}

	if !a.HasHookEvent(ev.EventType) {
		s.dropEvent(ctx, a, ev, agent.DropNotSubscribed,
			fmt.Sprintf("Hook FILTERED: %s not subscribed", ev.EventType))
		return nil
	}

	if a.Connection != nil && a.Connection.AssistantSessionID != "" &&
		ev.AssistantSessionID != "" && ev.AssistantSessionID != a.Connection.AssistantSessionID {
		s.dropEvent(ctx, a, ev, agent.DropSessionMismatch, "Hook FILTERED: session mismatch")
		return nil
	}

	if a.Status == agent.StatusError && s.daemonFor(a.ID) == nil {
		s.log.WithAgentID(a.ID).Warn("agent in error state, event ignored")
		s.appendLog(ctx, a.ID, agent.LogLevelWarn, "Agent in error state; event ignored: "+string(ev.EventType))
		return nil
	}

	d, err := s.ensureDaemon(ctx, a)
	if err != nil {
		s.log.WithAgentID(a.ID).WithError(err).Error("failed to start agent daemon")
		return nil
	}
	if err := d.Refresh(ctx); err != nil {
		s.log.WithAgentID(a.ID).WithError(err).Warn("daemon refresh failed, using cached record")
	}

	s.appendLog(ctx, a.ID, agent.LogLevelInfo, "Hook received: "+string(ev.EventType))
	s.journalHook(ctx, a.ID, ev)
	s.publishHook(ctx, a.ID, ev, "")

	d.HandleHookEvent(ctx, ev)
	return nil
}

// Instruct routes an operator instruction to the agent's machine,
// starting the daemon if needed.
func (s *Supervisor) Instruct(ctx context.Context, agentID, text string) (*oracle.Decision, error) {
	a, err := s.deps.Store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	d, err := s.ensureDaemon(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := d.Refresh(ctx); err != nil {
		s.log.WithAgentID(agentID).WithError(err).Warn("daemon refresh failed, using cached record")
	}
	return d.Instruct(ctx, text)
}

// StartAgent brings up the agent's daemon.
func (s *Supervisor) StartAgent(ctx context.Context, agentID string) error {
	a, err := s.deps.Store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	_, err = s.ensureDaemon(ctx, a)
	return err
}

// StopAgent stops and discards the agent's daemon, if running.
func (s *Supervisor) StopAgent(ctx context.Context, agentID string) {
	s.mu.Lock()
	d, ok := s.daemons[agentID]
	delete(s.daemons, agentID)
	s.mu.Unlock()
	if ok {
		d.Stop(ctx)
	}
}

// DaemonRunning reports whether a daemon is live for the agent.
func (s *Supervisor) DaemonRunning(agentID string) bool {
	return s.daemonFor(agentID) != nil
}

// GuardState exposes the agent's machine guard for the status surface.
// The second return is false when no daemon is running.
func (s *Supervisor) GuardState(agentID string) (machine.GuardState, bool) {
	d := s.daemonFor(agentID)
	if d == nil {
		return machine.GuardState{}, false
	}
	return d.GuardState(), true
}

// AgentLogs returns up to n recent ring-buffer entries for the agent,
// oldest first. n <= 0 returns everything retained.
func (s *Supervisor) AgentLogs(agentID string, n int) []agent.LogEntry {
	buf := s.logBuffer(agentID)
	if n <= 0 {
		return buf.Entries()
	}
	return buf.Tail(n)
}

// ensureDaemon returns the agent's daemon, building and starting one if
// absent.
func (s *Supervisor) ensureDaemon(ctx context.Context, a *agent.Agent) (*daemon.Daemon, error) {
	s.mu.Lock()
	if d, ok := s.daemons[a.ID]; ok {
		s.mu.Unlock()
		return d, nil
	}
	buf := s.logBufferLocked(a.ID)
	s.mu.Unlock()

	d, err := daemon.New(a, daemon.Deps{
		Store:    s.deps.Store,
		Journal:  s.deps.Journal,
		Bus:      s.deps.Bus,
		Adapter:  s.deps.Adapter,
		Oracle:   s.deps.Oracle,
		LogBuf:   buf,
		Watchdog: s.deps.Config.Watchdog,
		Log:      s.deps.Log,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.daemons[a.ID]; ok {
		// another caller won the race; use theirs
		s.mu.Unlock()
		return existing, nil
	}
	s.daemons[a.ID] = d
	s.mu.Unlock()

	if err := d.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.daemons, a.ID)
		s.mu.Unlock()
		return nil, err
	}
	return d, nil
}

func (s *Supervisor) daemonFor(agentID string) *daemon.Daemon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemons[agentID]
}

func (s *Supervisor) logBuffer(agentID string) *agent.LogBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logBufferLocked(agentID)
}

func (s *Supervisor) logBufferLocked(agentID string) *agent.LogBuffer {
	buf, ok := s.logbufs[agentID]
	if !ok {
		buf = agent.NewLogBuffer()
		s.logbufs[agentID] = buf
	}
	return buf
}

// refreshAssistantSession writes a changed assistant session id into the
// agent's connection and, when the session manager tracks the pane, into
// the session record as well. a is updated in place on success.
func (s *Supervisor) refreshAssistantSession(ctx context.Context, a *agent.Agent, newID string) {
	if a.Connection == nil || a.Connection.AssistantSessionID == newID {
		return
	}

	conn := *a.Connection
	conn.AssistantSessionID = newID
	updated, err := s.deps.Store.Connect(ctx, a.ID, conn)
	if err != nil {
		s.log.WithAgentID(a.ID).WithError(err).Error("failed to persist assistant session id")
		if _, stErr := s.deps.Store.UpdateStatus(ctx, a.ID, agent.StatusError, err.Error()); stErr != nil {
			s.log.WithAgentID(a.ID).WithError(stErr).Error("failed to escalate agent status")
		}
		return
	}
	*a = *updated

	if s.deps.Sessions != nil && a.Connection.SessionID != "" {
		sess, err := s.deps.Sessions.GetSession(ctx, a.Connection.SessionID)
		if err == nil && sess != nil && applyAssistantID(sess, a.Connection.PaneID, newID) {
			if err := s.deps.Sessions.ReplaceSession(ctx, sess); err != nil {
				s.log.WithAgentID(a.ID).WithError(err).Warn("session record not updated")
			}
		}
	}

	s.appendLog(ctx, a.ID, agent.LogLevelInfo, "Assistant session refreshed: "+newID)
}

// applyAssistantID rewrites the assistant session id on whichever endpoint
// owns the pane. Returns false when the pane is not part of the session.
func applyAssistantID(sess *session.Session, paneID, newID string) bool {
	if sess.Main.PaneID == paneID {
		sess.Main.AssistantSessionID = newID
		return true
	}
	for i := range sess.Forks {
		if sess.Forks[i].PaneID == paneID {
			sess.Forks[i].AssistantSessionID = newID
			return true
		}
	}
	return false
}

func (s *Supervisor) dropEvent(ctx context.Context, a *agent.Agent, ev *agent.HookEvent, reason agent.DropReason, ringMsg string) {
	s.log.WithAgentID(a.ID).WithEventType(string(ev.EventType)).Debug("hook event filtered",
		zap.String("reason", string(reason)))
	s.appendLog(ctx, a.ID, agent.LogLevelInfo, ringMsg)
	s.journalDrop(ctx, a.ID, ev, reason)
	s.publishHook(ctx, a.ID, ev, reason)
}

// appendLog writes a supervisor line to the agent's ring buffer and
// mirrors it onto the bus for live consumers.
func (s *Supervisor) appendLog(ctx context.Context, agentID, level, message string) {
	s.logBuffer(agentID).Append(level, "supervisor", message)
	if s.deps.Bus == nil {
		return
	}
	payload := events.LogPayload{
		AgentID:   agentID,
		Level:     level,
		Source:    "supervisor",
		Message:   message,
		Timestamp: nowUTC(),
	}
	ev := bus.NewEvent(events.LogAppended, "supervisor", payload)
	if err := s.deps.Bus.Publish(ctx, events.BuildLogSubject(agentID), ev); err != nil {
		s.log.WithError(err).Debug("log event not published")
	}
}

func (s *Supervisor) journalHook(ctx context.Context, agentID string, ev *agent.HookEvent) {
	if s.deps.Journal == nil {
		return
	}
	if err := s.deps.Journal.Append(ctx, journal.Entry{
		AgentID:   agentID,
		Kind:      journal.KindHook,
		EventType: string(ev.EventType),
		Detail:    "received",
	}); err != nil {
		s.log.WithAgentID(agentID).WithError(err).Error("journal append failed")
	}
}

func (s *Supervisor) journalDrop(ctx context.Context, agentID string, ev *agent.HookEvent, reason agent.DropReason) {
	if s.deps.Journal == nil {
		return
	}
	if err := s.deps.Journal.Append(ctx, journal.Entry{
		AgentID:   agentID,
		Kind:      journal.KindDrop,
		EventType: string(ev.EventType),
		Detail:    string(reason),
	}); err != nil {
		s.log.WithAgentID(agentID).WithError(err).Error("journal append failed")
	}
}

func (s *Supervisor) publishHook(ctx context.Context, agentID string, ev *agent.HookEvent, reason agent.DropReason) {
	if s.deps.Bus == nil {
		return
	}
	payload := events.HookPayload{
		AgentID:    agentID,
		EventType:  string(ev.EventType),
		DropReason: string(reason),
		ReceivedAt: nowUTC(),
	}
	e := bus.NewEvent(events.HookReceived, "supervisor", payload)
	if err := s.deps.Bus.Publish(ctx, events.BuildHookSubject(agentID), e); err != nil {
		s.log.WithError(err).Debug("hook event not published")
	}
}
