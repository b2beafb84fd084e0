// Package session declares the contract of the external session manager
// that owns terminal sessions and their forks. The supervisor consumes it
// to resolve assistant session ids from pane bindings; the implementation
// lives in the surrounding shell, not in this module.
package session

import "context"

// Endpoint is one addressable terminal endpoint of a session.
type Endpoint struct {
	AssistantSessionID string `json:"assistantSessionId"`
	PaneID             string `json:"paneId"`
}

// Session is a managed terminal session: a main endpoint plus any forks.
type Session struct {
	ID    string     `json:"id"`
	Main  Endpoint   `json:"main"`
	Forks []Endpoint `json:"forks,omitempty"`
}

// Manager is the external session-manager surface the core consumes.
type Manager interface {
	// GetSession resolves a session by its orchestrator session id.
	GetSession(ctx context.Context, id string) (*Session, error)
	// CloseSession tears the session down.
	CloseSession(ctx context.Context, id string) error
	// ResumeSession restarts a previously closed session, optionally
	// opening a terminal for it.
	ResumeSession(ctx context.Context, id string, openTerminal bool) error
	// ReplaceSession swaps the stored session record, used after the
	// assistant session id changes underneath a pane.
	ReplaceSession(ctx context.Context, s *Session) error
}

// EndpointForPane finds the endpoint bound to a pane, checking the main
// endpoint first and then the forks.
func (s *Session) EndpointForPane(paneID string) (Endpoint, bool) {
	if s.Main.PaneID == paneID {
		return s.Main, true
	}
	for _, f := range s.Forks {
		if f.PaneID == paneID {
			return f, true
		}
	}
	return Endpoint{}, false
}
