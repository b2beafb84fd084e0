// Package oracle consults an LLM to decide what a supervised session
// should do next. It is stateless: every consultation carries the full
// context it needs and no conversation history is kept between calls.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/enruana/claude-orka-sub000/internal/terminal"
)

// ErrUnavailable wraps transport failures talking to the model. Callers
// fall back to their deterministic default instead of failing the cycle.
var ErrUnavailable = errors.New("oracle unavailable")

// Action is the next step the supervisor should take on a session.
type Action string

const (
	// ActionRespond types a reply into the session and submits it.
	ActionRespond Action = "respond"
	// ActionWait leaves the session alone this cycle.
	ActionWait Action = "wait"
	// ActionApprove accepts a pending permission prompt.
	ActionApprove Action = "approve"
	// ActionReject declines a pending permission prompt.
	ActionReject Action = "reject"
	// ActionCompact runs /compact to shrink the conversation.
	ActionCompact Action = "compact"
	// ActionClear runs /clear to reset the conversation.
	ActionClear Action = "clear"
	// ActionEscape presses Escape to interrupt the current activity.
	ActionEscape Action = "escape"
	// ActionRequestHelp notifies the operator that human attention is needed.
	ActionRequestHelp Action = "request_help"
)

// Valid reports whether the action is one of the enumerated set.
func (a Action) Valid() bool {
	switch a {
	case ActionRespond, ActionWait, ActionApprove, ActionReject,
		ActionCompact, ActionClear, ActionEscape, ActionRequestHelp:
		return true
	}
	return false
}

// NotificationLevel grades operator notifications.
type NotificationLevel string

const (
	LevelInfo  NotificationLevel = "info"
	LevelWarn  NotificationLevel = "warn"
	LevelError NotificationLevel = "error"
)

// Notification asks the operator-chat transport to relay a message.
type Notification struct {
	Message string            `json:"message"`
	Level   NotificationLevel `json:"level"`
}

// Decision is the structured verdict for one consultation. Deterministic
// fast paths construct these directly without calling the model.
type Decision struct {
	Action       Action        `json:"action"`
	Response     string        `json:"response,omitempty"`
	Reason       string        `json:"reason"`
	Notification *Notification `json:"notification,omitempty"`
}

// Validate checks the action against the enumerated set and that a
// response is present exactly when the action is respond.
func (d *Decision) Validate() error {
	if !d.Action.Valid() {
		return fmt.Errorf("unknown action %q", d.Action)
	}
	hasResponse := strings.TrimSpace(d.Response) != ""
	if d.Action == ActionRespond && !hasResponse {
		return errors.New("respond decision carries no response text")
	}
	if d.Action != ActionRespond && hasResponse {
		return fmt.Errorf("action %q carries response text", d.Action)
	}
	return nil
}

// Input is everything one consultation sees.
type Input struct {
	MasterPrompt     string
	TerminalText     string
	TerminalState    terminal.State
	TriggerLabel     string
	HumanInstruction string
}

// Oracle decides the next step for a session from its terminal contents.
type Oracle interface {
	Decide(ctx context.Context, in Input) (*Decision, error)
}
