package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/events"
	"github.com/enruana/claude-orka-sub000/internal/events/bus"
	"github.com/enruana/claude-orka-sub000/internal/journal"
)

// ListAgents returns every agent record.
func (s *Supervisor) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	return s.deps.Store.List(ctx)
}

// GetAgent returns one agent record.
func (s *Supervisor) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	return s.deps.Store.Get(ctx, id)
}

// AgentJournal returns the agent's durable activity trail, newest first.
// Without a journal configured the result is empty.
func (s *Supervisor) AgentJournal(ctx context.Context, id string, limit int) ([]journal.Entry, error) {
	if s.deps.Journal == nil {
		return []journal.Entry{}, nil
	}
	return s.deps.Journal.List(ctx, id, journal.ListOptions{Limit: limit})
}

// CreateAgent records a new idle agent.
func (s *Supervisor) CreateAgent(ctx context.Context, name, masterPrompt string, opts store.CreateOptions) (*agent.Agent, error) {
	a, err := s.deps.Store.Create(ctx, name, masterPrompt, opts)
	if err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, events.AgentCreated, a.ID)
	return a, nil
}

// UpdateAgent patches an agent record. A running daemon picks the edit
// up on its next refresh; when the subscription set changes on a
// connected agent the project's hook configuration is rewritten to
// match.
func (s *Supervisor) UpdateAgent(ctx context.Context, id string, patch store.UpdatePatch) (*agent.Agent, error) {
	a, err := s.deps.Store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	if patch.HookEvents != nil && a.Connection != nil {
		// drop stale event keys before writing the new subscription set
		cmd := hookCommand(s.deps.Config.Server.Port, a.ID)
		if err := uninstallHooks(a.Connection.ProjectPath, a.ID); err != nil {
			s.log.WithAgentID(a.ID).WithError(err).Error("stale hook configuration not removed after update")
		} else if err := installHooks(a.Connection.ProjectPath, a.ID, a.HookEvents, cmd); err != nil {
			s.log.WithAgentID(a.ID).WithError(err).Error("hook configuration not rewritten after update")
		}
	}

	if d := s.daemonFor(id); d != nil {
		if err := d.Refresh(ctx); err != nil {
			s.log.WithAgentID(id).WithError(err).Warn("daemon refresh after update failed")
		}
	}

	s.publishLifecycle(ctx, events.AgentUpdated, a.ID)
	return a, nil
}

// ConnectAgent binds the agent to a supervised session, installs its
// hooks into the project, asks the session manager to restart the
// session so the assistant picks the hooks up, and starts the daemon.
// When the install fails the binding is rolled back and the agent stays
// disconnected.
func (s *Supervisor) ConnectAgent(ctx context.Context, id string, conn agent.Connection) (*agent.Agent, error) {
	a, err := s.deps.Store.Connect(ctx, id, conn)
	if err != nil {
		return nil, err
	}

	cmd := hookCommand(s.deps.Config.Server.Port, a.ID)
	if err := installHooks(conn.ProjectPath, a.ID, a.HookEvents, cmd); err != nil {
		s.log.WithAgentID(id).WithError(err).Error("hook installation failed, rolling back connection")
		if _, dErr := s.deps.Store.Disconnect(ctx, id); dErr != nil {
			s.log.WithAgentID(id).WithError(dErr).Error("connection rollback failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrHookInstall, err)
	}

	// The running assistant only reads settings.json on startup; a
	// restart through the session manager makes the hooks live now
	// instead of on the next manual relaunch.
	if s.deps.Sessions != nil && conn.SessionID != "" {
		if err := s.deps.Sessions.ResumeSession(ctx, conn.SessionID, false); err != nil {
			s.log.WithAgentID(id).WithError(err).Warn("session restart not performed, hooks apply on next launch")
		}
	}

	if err := s.StartAgent(ctx, id); err != nil {
		s.log.WithAgentID(id).WithError(err).Error("daemon did not start after connect")
	}

	s.appendLog(ctx, id, agent.LogLevelInfo, "Connected to session "+conn.SessionID+" (pane "+conn.PaneID+")")
	s.publishLifecycle(ctx, events.AgentConnected, id)
	return s.deps.Store.Get(ctx, id)
}

// DisconnectAgent stops the daemon, removes the agent's hooks from the
// project, and clears the session binding.
func (s *Supervisor) DisconnectAgent(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.StopAgent(ctx, id)

	if a.Connection != nil {
		if err := uninstallHooks(a.Connection.ProjectPath, id); err != nil {
			s.log.WithAgentID(id).WithError(err).Error("hook removal failed, stale hooks may remain in project")
		}
	}

	updated, err := s.deps.Store.Disconnect(ctx, id)
	if err != nil {
		return nil, err
	}

	s.appendLog(ctx, id, agent.LogLevelInfo, "Disconnected from session")
	s.publishLifecycle(ctx, events.AgentDisconnected, id)
	return updated, nil
}

// DeleteAgent stops and disconnects the agent, removes its hooks, and
// deletes the record. Deleting an unknown agent reports false without
// error.
func (s *Supervisor) DeleteAgent(ctx context.Context, id string) (bool, error) {
	a, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return false, nil
		}
		return false, err
	}

	s.StopAgent(ctx, id)

	if a.Connection != nil {
		if err := uninstallHooks(a.Connection.ProjectPath, id); err != nil {
			s.log.WithAgentID(id).WithError(err).Error("hook removal failed, stale hooks may remain in project")
		}
	}

	deleted, err := s.deps.Store.Delete(ctx, id)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	delete(s.logbufs, id)
	s.mu.Unlock()

	s.publishLifecycle(ctx, events.AgentDeleted, id)
	return deleted, nil
}

func (s *Supervisor) publishLifecycle(ctx context.Context, subject, agentID string) {
	if s.deps.Bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "supervisor", map[string]any{"agentId": agentID})
	if err := s.deps.Bus.Publish(ctx, subject, ev); err != nil {
		s.log.WithError(err).Debug("lifecycle event not published",
			zap.String("subject", subject))
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
