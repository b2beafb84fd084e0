package terminal

import (
	"strings"
	"time"
)

// Snapshot represents raw text captured from a pane at one point in time
type Snapshot struct {
	PaneID     string    `json:"paneId"`
	SessionID  string    `json:"sessionId,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
	LineCount  int       `json:"lineCount"`
	Text       string    `json:"text"`
}

// Lines splits the snapshot text into lines
func (s *Snapshot) Lines() []string {
	if s.Text == "" {
		return nil
	}
	return strings.Split(s.Text, "\n")
}

// PermissionType classifies what a permission prompt asks for
type PermissionType string

const (
	// PermissionBash asks to run a shell command
	PermissionBash PermissionType = "bash"
	// PermissionEdit asks to modify an existing file
	PermissionEdit PermissionType = "edit"
	// PermissionWrite asks to create or overwrite a file
	PermissionWrite PermissionType = "write"
	// PermissionOther covers everything else
	PermissionOther PermissionType = "other"
)

// State is what the parser derived from a snapshot
type State struct {
	IsProcessing        bool           `json:"isProcessing"`
	IsWaitingForInput   bool           `json:"isWaitingForInput"`
	HasPermissionPrompt bool           `json:"hasPermissionPrompt"`
	PermissionType      PermissionType `json:"permissionType,omitempty"`
	HasContextLimit     bool           `json:"hasContextLimit"`
	LastError           string         `json:"lastError,omitempty"`
}

// Dominant collapses the state flags into the single label the state
// machine keys its routing on. Context limit outranks everything, then
// processing, then a matched permission prompt, then plain waiting.
func (s State) Dominant() string {
	switch {
	case s.HasContextLimit:
		return "context-limit"
	case s.IsProcessing:
		return "processing"
	case s.HasPermissionPrompt:
		return "permission"
	case s.IsWaitingForInput:
		return "waiting"
	default:
		return "unclear"
	}
}
