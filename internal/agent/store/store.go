// Package store persists agent records in a single JSON file. Writers are
// serialized by a process mutex plus a cross-process file lock, and every
// write lands through a temp file rename so readers never see a torn file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
)

const (
	storeFileName = "agents.json"
	schemaVersion = "1.0.0"

	lockTimeout    = 5 * time.Second
	lockRetryDelay = 50 * time.Millisecond
)

var (
	// ErrAgentNotFound means no agent record matched the requested id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrLockTimeout means the cross-process store lock could not be taken.
	ErrLockTimeout = errors.New("agent store lock timeout")
)

// State is the persisted schema of agents.json.
type State struct {
	Version        string        `json:"version"`
	Agents         []agent.Agent `json:"agents"`
	HookServerPort int           `json:"hookServerPort"`
	LastUpdated    time.Time     `json:"lastUpdated"`
}

// CreateOptions carries the optional fields of a new agent.
type CreateOptions struct {
	HookEvents  []agent.EventType
	AutoApprove bool
	Telegram    *agent.TelegramConfig
	Watchdog    *agent.WatchdogSettings
}

// UpdatePatch carries the fields update may change. Nil fields are left
// untouched; id and createdAt are never patchable. Passing a zero-value
// Telegram or Watchdog config disables that feature.
type UpdatePatch struct {
	Name         *string
	MasterPrompt *string
	HookEvents   *[]agent.EventType
	AutoApprove  *bool
	Telegram     *agent.TelegramConfig
	Watchdog     *agent.WatchdogSettings
}

// Store is the single writer over agents.json.
type Store struct {
	path string
	log  *logger.Logger

	mu sync.Mutex
	fl *flock.Flock
}

// New creates a store over <dir>/agents.json. The file is created on the
// first mutation.
func New(dir string, log *logger.Logger) *Store {
	path := filepath.Join(dir, storeFileName)
	return &Store{
		path: path,
		log:  log,
		fl:   flock.New(path + ".lock"),
	}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the full persisted state.
func (s *Store) Load(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// List returns all agent records in file order.
func (s *Store) List(ctx context.Context) ([]agent.Agent, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return st.Agents, nil
}

// Get returns the agent with the given id.
func (s *Store) Get(ctx context.Context, id string) (*agent.Agent, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range st.Agents {
		if st.Agents[i].ID == id {
			a := st.Agents[i]
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
}

// Create adds a new idle agent and returns it.
func (s *Store) Create(ctx context.Context, name, masterPrompt string, opts CreateOptions) (*agent.Agent, error) {
	var created agent.Agent
	err := s.mutate(ctx, func(st *State) error {
		now := time.Now().UTC()
		created = agent.Agent{
			ID:           uuid.New().String(),
			Name:         name,
			MasterPrompt: masterPrompt,
			HookEvents:   withSessionStart(opts.HookEvents),
			AutoApprove:  opts.AutoApprove,
			Status:       agent.StatusIdle,
			CreatedAt:    now,
			LastActivity: now,
		}
		if opts.Telegram != nil {
			tg := *opts.Telegram
			created.Telegram = &tg
		}
		if opts.Watchdog != nil {
			wd := *opts.Watchdog
			wd.Normalize()
			created.Watchdog = &wd
		}
		st.Agents = append(st.Agents, created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Agent created",
		zap.String("agent_id", created.ID),
		zap.String("name", created.Name))
	return &created, nil
}

// withSessionStart copies the subscription set with SessionStart
// guaranteed, so the persisted record is never empty and session
// identity refresh can never be unsubscribed.
func withSessionStart(events []agent.EventType) []agent.EventType {
	for _, ev := range events {
		if ev == agent.EventSessionStart {
			return append([]agent.EventType(nil), events...)
		}
	}
	out := make([]agent.EventType, 0, len(events)+1)
	out = append(out, agent.EventSessionStart)
	return append(out, events...)
}

// Update applies a patch to an agent and refreshes its lastActivity.
func (s *Store) Update(ctx context.Context, id string, patch UpdatePatch) (*agent.Agent, error) {
	var updated agent.Agent
	err := s.mutate(ctx, func(st *State) error {
		a, err := findAgent(st, id)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			a.Name = *patch.Name
		}
		if patch.MasterPrompt != nil {
			a.MasterPrompt = *patch.MasterPrompt
		}
		if patch.HookEvents != nil {
			a.HookEvents = withSessionStart(*patch.HookEvents)
		}
		if patch.AutoApprove != nil {
			a.AutoApprove = *patch.AutoApprove
		}
		if patch.Telegram != nil {
			tg := *patch.Telegram
			a.Telegram = &tg
		}
		if patch.Watchdog != nil {
			wd := *patch.Watchdog
			wd.Normalize()
			a.Watchdog = &wd
		}
		a.LastActivity = time.Now().UTC()
		updated = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateStatus sets an agent's status and its last error message. An empty
// message clears the previous one.
func (s *Store) UpdateStatus(ctx context.Context, id string, status agent.Status, lastError string) (*agent.Agent, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	var updated agent.Agent
	err := s.mutate(ctx, func(st *State) error {
		a, err := findAgent(st, id)
		if err != nil {
			return err
		}
		a.Status = status
		a.LastError = lastError
		a.LastActivity = time.Now().UTC()
		updated = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Connect binds an agent to a live session.
func (s *Store) Connect(ctx context.Context, id string, conn agent.Connection) (*agent.Agent, error) {
	var updated agent.Agent
	err := s.mutate(ctx, func(st *State) error {
		a, err := findAgent(st, id)
		if err != nil {
			return err
		}
		if conn.ConnectedAt.IsZero() {
			conn.ConnectedAt = time.Now().UTC()
		}
		c := conn
		a.Connection = &c
		a.LastActivity = time.Now().UTC()
		updated = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Agent connected",
		zap.String("agent_id", id),
		zap.String("pane_id", conn.PaneID),
		zap.String("session_id", conn.SessionID))
	return &updated, nil
}

// Disconnect clears an agent's session binding.
func (s *Store) Disconnect(ctx context.Context, id string) (*agent.Agent, error) {
	var updated agent.Agent
	err := s.mutate(ctx, func(st *State) error {
		a, err := findAgent(st, id)
		if err != nil {
			return err
		}
		a.Connection = nil
		a.LastActivity = time.Now().UTC()
		updated = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Agent disconnected", zap.String("agent_id", id))
	return &updated, nil
}

// Delete removes an agent. It reports whether a record was removed; an
// unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.mutate(ctx, func(st *State) error {
		for i := range st.Agents {
			if st.Agents[i].ID == id {
				st.Agents = append(st.Agents[:i], st.Agents[i+1:]...)
				deleted = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.log.Info("Agent deleted", zap.String("agent_id", id))
	}
	return deleted, nil
}

// SetHookServerPort records the ingress port so hook commands written into
// project settings can be traced back to this instance.
func (s *Store) SetHookServerPort(ctx context.Context, port int) error {
	return s.mutate(ctx, func(st *State) error {
		st.HookServerPort = port
		return nil
	})
}

// mutate runs one re-read, apply, atomic-write round under both locks.
// Every successful mutation strictly bumps lastUpdated, no-ops included.
func (s *Store) mutate(ctx context.Context, fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		return ErrLockTimeout
	}
	defer s.fl.Unlock()

	st, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}

	now := time.Now().UTC()
	if !now.After(st.LastUpdated) {
		now = st.LastUpdated.Add(time.Millisecond)
	}
	st.LastUpdated = now

	return s.write(st)
}

func findAgent(st *State, id string) (*agent.Agent, error) {
	for i := range st.Agents {
		if st.Agents[i].ID == id {
			return &st.Agents[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
}

func (s *Store) read() (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{Version: schemaVersion, Agents: []agent.Agent{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent store: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode agent store: %w", err)
	}
	if st.Version == "" {
		st.Version = schemaVersion
	}
	if st.Agents == nil {
		st.Agents = []agent.Agent{}
	}
	return &st, nil
}

// write lands the state through a temp file and rename. Mode 0600: the
// file carries chat bot tokens.
func (s *Store) write(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode agent store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".agents-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace agent store: %w", err)
	}
	return nil
}
