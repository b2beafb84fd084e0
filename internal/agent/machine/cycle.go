package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/chat"
	"github.com/enruana/claude-orka-sub000/internal/common/constants"
	"github.com/enruana/claude-orka-sub000/internal/journal"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/terminal"
)

// cycle carries the working state of one decision cycle between nodes.
type cycle struct {
	agent          *agent.Agent
	event          *agent.HookEvent // nil for instruction cycles
	trigger        string
	instruction    string
	snapshot       *terminal.Snapshot
	state          *terminal.State
	decision       *oracle.Decision
	decisionSource string // fast-path, oracle or fallback
}

// runCycle walks an admitted event through the decision graph. Lifecycle
// events are logged without touching the pane; a SessionStart after
// clear/compact waits for the pane to come back; everything else captures
// the terminal and either short-circuits on an unambiguous state or asks
// the oracle.
func (m *Machine) runCycle(ctx context.Context, c *cycle) {
	switch {
	case isLogOnlyEvent(c.event.EventType):
		m.logOnly(c)
		return
	case c.event.EventType == agent.EventSessionStart && isRestartSource(c.event.Source()):
		c.trigger = fmt.Sprintf("SessionStart (%s)", c.event.Source())
		if !m.awaitRestartReadiness(ctx, c) {
			return
		}
		m.decideAmbiguous(ctx, c)
		m.recordDecision(ctx, c)
		m.execute(ctx, c)
		return
	}

	if !m.captureAndParse(ctx, c) {
		return
	}

	switch {
	case c.state.HasContextLimit:
		m.handleContextLimit(ctx, c)
		return
	case c.state.IsProcessing:
		m.log.WithEventType(string(c.event.EventType)).Debug("assistant still working, cycle ends")
		return
	case c.state.HasPermissionPrompt:
		m.decidePermission(c)
	case c.state.IsWaitingForInput:
		m.decideAmbiguous(ctx, c)
	default:
		m.log.WithEventType(string(c.event.EventType)).Debug("no actionable terminal state")
		return
	}

	m.recordDecision(ctx, c)
	m.execute(ctx, c)
}

// dropEvent records a guard rejection. Every dropped event leaves a ring
// line and a journal row so the operator can see why nothing happened.
func (m *Machine) dropEvent(ctx context.Context, ev *agent.HookEvent, reason agent.DropReason) {
	m.log.WithEventType(string(ev.EventType)).Debug("hook event dropped",
		zap.String("reason", string(reason)))
	m.sink.Log(agent.LogLevelInfo, sourceESM, fmt.Sprintf("Hook DROPPED (%s): %s", reason, ev.EventType))
	m.sink.Journal(ctx, journal.Entry{
		AgentID:   m.agentID,
		Kind:      journal.KindDrop,
		EventType: string(ev.EventType),
		Detail:    string(reason),
	})
}

func (m *Machine) logOnly(c *cycle) {
	m.log.WithEventType(string(c.event.EventType)).Debug("lifecycle event logged without capture")
	m.sink.Log(agent.LogLevelInfo, sourceESM, "Lifecycle event: "+string(c.event.EventType))
}

// captureAndParse fills the cycle's snapshot and parsed state. A capture
// failure ends the cycle without touching the agent's status: a missing
// tmux pane is an environment problem, not an agent failure.
func (m *Machine) captureAndParse(ctx context.Context, c *cycle) bool {
	conn := c.agent.Connection
	if conn == nil || conn.PaneID == "" {
		m.log.Warn("no pane attached, cycle ends")
		m.sink.Log(agent.LogLevelWarn, sourceESM, "No pane attached; nothing to capture")
		return false
	}

	snap, err := m.adapter.Capture(ctx, conn.PaneID, 0)
	if err != nil {
		m.log.WithError(err).WithPaneID(conn.PaneID).Error("terminal capture failed")
		m.sink.Log(agent.LogLevelError, sourceESM, "Terminal capture failed: "+err.Error())
		return false
	}

	st := m.adapter.Parse(snap)
	c.snapshot = snap
	c.state = &st
	return true
}

// awaitRestartReadiness polls the pane after a clear/compact restart until
// it shows an input prompt again. On readiness the fresh snapshot is kept
// for the oracle and the follow-up flag is consumed. On timeout the cycle
// ends and the flag stays armed so a later SessionStart can still use it.
func (m *Machine) awaitRestartReadiness(ctx context.Context, c *cycle) bool {
	conn := c.agent.Connection
	if conn == nil || conn.PaneID == "" {
		m.log.Warn("restart cycle with no attached pane")
		m.sink.Log(agent.LogLevelWarn, sourceESM, "No pane attached; nothing to capture")
		return false
	}

	deadline := time.Now().Add(m.restartMaxWait)
	for {
		snap, err := m.adapter.Capture(ctx, conn.PaneID, 0)
		if err != nil {
			m.log.WithError(err).Debug("capture failed during restart poll")
		} else {
			st := m.adapter.Parse(snap)
			if st.IsWaitingForInput && !st.IsProcessing {
				c.snapshot = snap
				c.state = &st
				m.guard.SetPendingFollowUp(false)
				m.sink.Log(agent.LogLevelInfo, sourceESM, "Pane ready after "+c.event.Source()+", consulting oracle")
				return true
			}
		}

		if time.Now().After(deadline) {
			m.log.Warn("pane not ready within the restart window, cycle ends")
			m.sink.Log(agent.LogLevelWarn, sourceESM, "Pane not ready after "+c.event.Source()+"; will retry on the next event")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.restartPollInterval):
		}
	}
}

// handleContextLimit reclaims context without the oracle: /clear when
// the window is gone or compaction already failed, /compact otherwise.
// Both arm pendingFollowUp so the restart's SessionStart passes the
// cooldown and gets the agent moving again.
func (m *Machine) handleContextLimit(ctx context.Context, c *cycle) {
	paneID := c.agent.Connection.PaneID

	action := oracle.ActionCompact
	send := m.adapter.SendCompact
	if terminal.RequiresClear(c.snapshot.Text) {
		action = oracle.ActionClear
		send = m.adapter.SendClear
	}

	if err := send(ctx, paneID); err != nil {
		m.log.WithError(err).Error("context limit recovery failed")
		m.sink.Log(agent.LogLevelError, sourceESM, "Context limit: sending /"+string(action)+" failed: "+err.Error())
		return
	}

	m.guard.SetPendingFollowUp(true)
	m.guard.RecordResponse(m.now())

	m.sink.Log(agent.LogLevelInfo, sourceESM, "Context limit: sent /"+string(action)+", follow-up armed")
	m.sink.Journal(ctx, journal.Entry{
		AgentID:   m.agentID,
		Kind:      journal.KindAction,
		EventType: c.trigger,
		Detail:    "context-limit /" + string(action),
	})
}

// decidePermission short-circuits a visible permission prompt: the
// harness already vets tool calls, so the answer is always yes and the
// oracle is not consulted.
func (m *Machine) decidePermission(c *cycle) {
	c.decision = &oracle.Decision{
		Action: oracle.ActionApprove,
		Reason: "permission prompt (" + string(c.state.PermissionType) + ") approved without oracle",
	}
	c.decisionSource = "fast-path"
}

// decideAmbiguous asks the oracle what to type. When the oracle is
// unreachable the cycle falls back to a plain "continue" so a flaky
// network never stalls the agent.
func (m *Machine) decideAmbiguous(ctx context.Context, c *cycle) {
	d, err := m.decider.Decide(ctx, oracle.Input{
		MasterPrompt:  c.agent.MasterPrompt,
		TerminalText:  c.snapshot.Text,
		TerminalState: *c.state,
		TriggerLabel:  c.trigger,
	})
	if err != nil || d == nil {
		if err != nil {
			m.log.WithError(err).Warn("oracle unavailable, falling back to continue")
			m.sink.Log(agent.LogLevelWarn, sourceESM, "Oracle unavailable: "+err.Error())
		}
		c.decision = &oracle.Decision{Action: oracle.ActionRespond, Response: "continue", Reason: "fallback"}
		c.decisionSource = "fallback"
		return
	}
	c.decision = d
	c.decisionSource = "oracle"
}

func (m *Machine) recordDecision(ctx context.Context, c *cycle) {
	if c.decision == nil {
		return
	}
	data, err := json.Marshal(c.decision)
	if err != nil {
		data = nil
	}
	m.sink.Log(agent.LogLevelInfo, sourceESM,
		fmt.Sprintf("Decision (%s): %s: %s", c.decisionSource, c.decision.Action, c.decision.Reason))
	m.sink.Journal(ctx, journal.Entry{
		AgentID:   m.agentID,
		Kind:      journal.KindDecision,
		EventType: c.trigger,
		Detail:    string(c.decision.Action) + " (" + c.decisionSource + ")",
		Data:      string(data),
	})
}

// execute carries out the decision against the pane. wait sends nothing
// and leaves the cooldown clock alone; every delivered keystroke stamps
// it so echo events are absorbed.
func (m *Machine) execute(ctx context.Context, c *cycle) {
	d := c.decision
	if d == nil {
		return
	}

	if d.Action == oracle.ActionWait {
		m.log.Debug("decision is wait, no keystrokes sent")
		if d.Notification != nil {
			m.notify(ctx, notificationFromDecision(d))
		}
		return
	}

	paneID := c.agent.Connection.PaneID
	var err error
	switch d.Action {
	case oracle.ActionRespond:
		err = m.adapter.SendLiteralThenEnter(ctx, paneID, d.Response)
	case oracle.ActionApprove:
		err = m.adapter.SendApprove(ctx, paneID)
	case oracle.ActionReject:
		err = m.adapter.SendReject(ctx, paneID)
	case oracle.ActionCompact:
		err = m.adapter.SendCompact(ctx, paneID)
	case oracle.ActionClear:
		err = m.adapter.SendClear(ctx, paneID)
	case oracle.ActionEscape:
		err = m.adapter.SendEscape(ctx, paneID)
	case oracle.ActionRequestHelp:
		// nothing is typed; the notification below carries the ask
	}
	if err != nil {
		m.log.WithError(err).Error("terminal send failed, action not delivered")
		m.sink.Log(agent.LogLevelError, sourceESM, "Action failed: "+string(d.Action)+": "+err.Error())
		m.sink.Journal(ctx, journal.Entry{
			AgentID:   m.agentID,
			Kind:      journal.KindAction,
			EventType: c.trigger,
			Detail:    "failed /" + string(d.Action),
		})
		return
	}

	if d.Action == oracle.ActionRequestHelp {
		m.notify(ctx, chat.Notification{
			Level:           chat.LevelWarn,
			Title:           "Agent requests help",
			Body:            d.Reason,
			TerminalSnippet: lastLines(c.snapshot.Text, constants.HelpSnippetLines),
		})
	}
	if d.Notification != nil {
		m.notify(ctx, notificationFromDecision(d))
	}

	m.guard.RecordResponse(m.now())
	m.sink.Log(agent.LogLevelInfo, sourceESM, "Action executed: "+string(d.Action))
	m.sink.Journal(ctx, journal.Entry{
		AgentID:   m.agentID,
		Kind:      journal.KindAction,
		EventType: c.trigger,
		Detail:    string(d.Action),
	})
}

func (m *Machine) notify(ctx context.Context, n chat.Notification) {
	notifier := m.currentNotifier()
	if notifier == nil {
		return
	}
	if err := notifier.SendNotification(ctx, n); err != nil {
		m.log.WithError(err).Warn("operator notification failed")
	}
}

func notificationFromDecision(d *oracle.Decision) chat.Notification {
	level := chat.LevelInfo
	switch d.Notification.Level {
	case oracle.LevelWarn:
		level = chat.LevelWarn
	case oracle.LevelError:
		level = chat.LevelError
	}
	return chat.Notification{Level: level, Title: "Agent notification", Body: d.Notification.Message}
}

func isLogOnlyEvent(t agent.EventType) bool {
	switch t {
	case agent.EventPreCompact, agent.EventSessionEnd, agent.EventPostToolUseFailure:
		return true
	}
	return false
}

func isRestartSource(source string) bool {
	return source == "clear" || source == "compact"
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
