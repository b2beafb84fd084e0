package session

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionNotFound means the manager has no record of the session id.
var ErrSessionNotFound = errors.New("session not found")

// NoopManager is an in-memory Manager for development and tests. Sessions
// exist only while registered through ReplaceSession.
type NoopManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Manager = (*NoopManager)(nil)

// NewNoopManager returns an empty in-memory manager.
func NewNoopManager() *NoopManager {
	return &NoopManager{sessions: make(map[string]*Session)}
}

func (m *NoopManager) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *NoopManager) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *NoopManager) ResumeSession(ctx context.Context, id string, openTerminal bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	return nil
}

func (m *NoopManager) ReplaceSession(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}
