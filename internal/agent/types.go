// Package agent defines the supervisory agent domain model shared by the
// store, the event state machine, the watchdog, and the supervisor.
package agent

import (
	"time"

	"github.com/enruana/claude-orka-sub000/internal/common/constants"
)

// Status represents the lifecycle state of an agent
type Status string

const (
	// StatusIdle means the agent exists but no daemon is running for it
	StatusIdle Status = "idle"
	// StatusActive means a daemon is running and handling events
	StatusActive Status = "active"
	// StatusError means the agent hit a persistent failure and needs operator attention
	StatusError Status = "error"
)

// Valid returns whether the status is a recognized value
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusError:
		return true
	}
	return false
}

// EventType identifies a hook event kind emitted by the supervised assistant
type EventType string

const (
	// EventStop fires when the assistant finishes a turn
	EventStop EventType = "Stop"
	// EventNotification fires when the assistant surfaces a message, including permission prompts
	EventNotification EventType = "Notification"
	// EventSubagentStop fires when a subagent finishes
	EventSubagentStop EventType = "SubagentStop"
	// EventPreCompact fires before a context compaction
	EventPreCompact EventType = "PreCompact"
	// EventSessionStart fires when a session starts, resumes, or restarts after clear/compact
	EventSessionStart EventType = "SessionStart"
	// EventSessionEnd fires when a session terminates
	EventSessionEnd EventType = "SessionEnd"
	// EventPreToolUse fires before a tool invocation
	EventPreToolUse EventType = "PreToolUse"
	// EventPostToolUse fires after a successful tool invocation
	EventPostToolUse EventType = "PostToolUse"
	// EventPostToolUseFailure fires after a failed tool invocation
	EventPostToolUseFailure EventType = "PostToolUseFailure"
	// EventPermissionRequest fires when the assistant asks for permission
	EventPermissionRequest EventType = "PermissionRequest"
	// EventUserPromptSubmit fires when a prompt is submitted to the assistant
	EventUserPromptSubmit EventType = "UserPromptSubmit"
	// EventSubagentStart fires when a subagent starts
	EventSubagentStart EventType = "SubagentStart"
	// EventTeammateIdle fires when a teammate session goes idle
	EventTeammateIdle EventType = "TeammateIdle"
	// EventTaskCompleted fires when the assistant reports a completed task
	EventTaskCompleted EventType = "TaskCompleted"
)

// AllEventTypes lists every recognized hook event type
var AllEventTypes = []EventType{
	EventStop,
	EventNotification,
	EventSubagentStop,
	EventPreCompact,
	EventSessionStart,
	EventSessionEnd,
	EventPreToolUse,
	EventPostToolUse,
	EventPostToolUseFailure,
	EventPermissionRequest,
	EventUserPromptSubmit,
	EventSubagentStart,
	EventTeammateIdle,
	EventTaskCompleted,
}

var knownEventTypes = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(AllEventTypes))
	for _, t := range AllEventTypes {
		m[t] = struct{}{}
	}
	return m
}()

// ParseEventType maps a wire hook name to an EventType. Absent or
// unrecognized values map to Stop so late-registered hook kinds still
// wake the agent instead of vanishing.
func ParseEventType(raw string) EventType {
	t := EventType(raw)
	if _, ok := knownEventTypes[t]; ok {
		return t
	}
	return EventStop
}

// Connection binds an agent to a live supervised session
type Connection struct {
	ProjectPath        string    `json:"projectPath"`
	SessionID          string    `json:"sessionId"`
	PaneID             string    `json:"paneId"`
	AssistantSessionID string    `json:"assistantSessionId,omitempty"`
	BranchID           string    `json:"branchId,omitempty"`
	ConnectedAt        time.Time `json:"connectedAt"`
}

// TelegramConfig configures the operator chat channel for one agent
type TelegramConfig struct {
	BotToken string `json:"botToken"`
	ChatID   string `json:"chatId"`
	Enabled  bool   `json:"enabled"`
}

// WatchdogSettings tunes the per-agent watchdog
type WatchdogSettings struct {
	PollIntervalSec    int  `json:"pollIntervalSec"`
	ActionCooldownSec  int  `json:"actionCooldownSec"`
	AttentionThreshold int  `json:"attentionThreshold"`
	Enabled            bool `json:"enabled"`
}

// Normalize clamps tuning values to their minimums. Zero values are raised
// too, so a partially filled config still produces a working watchdog.
func (w *WatchdogSettings) Normalize() {
	if min := int(constants.MinWatchdogPollInterval / time.Second); w.PollIntervalSec < min {
		w.PollIntervalSec = min
	}
	if min := int(constants.MinWatchdogActionCooldown / time.Second); w.ActionCooldownSec < min {
		w.ActionCooldownSec = min
	}
	if w.AttentionThreshold < constants.MinAttentionThreshold {
		w.AttentionThreshold = constants.MinAttentionThreshold
	}
}

// PollInterval returns the poll interval as a duration
func (w *WatchdogSettings) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSec) * time.Second
}

// ActionCooldown returns the action cooldown as a duration
func (w *WatchdogSettings) ActionCooldown() time.Duration {
	return time.Duration(w.ActionCooldownSec) * time.Second
}

// Agent represents the durable supervisory record authored by the operator
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	MasterPrompt string            `json:"masterPrompt"`
	HookEvents   []EventType       `json:"hookEvents"`
	AutoApprove  bool              `json:"autoApprove"`
	Telegram     *TelegramConfig   `json:"telegram,omitempty"`
	Watchdog     *WatchdogSettings `json:"watchdog,omitempty"`
	Status       Status            `json:"status"`
	Connection   *Connection       `json:"connection,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
	LastError    string            `json:"lastError,omitempty"`
}

// Connected returns whether the agent is bound to a live session
func (a *Agent) Connected() bool {
	return a.Connection != nil
}

// HasHookEvent reports whether the agent subscribes to the given event type.
// SessionStart is always considered subscribed: session identity refresh
// must not be filtered away by the operator's event selection.
func (a *Agent) HasHookEvent(t EventType) bool {
	if t == EventSessionStart {
		return true
	}
	for _, e := range a.HookEvents {
		if e == t {
			return true
		}
	}
	return false
}

// TelegramEnabled returns whether the operator chat channel is configured and on
func (a *Agent) TelegramEnabled() bool {
	return a.Telegram != nil && a.Telegram.Enabled && a.Telegram.BotToken != "" && a.Telegram.ChatID != ""
}

// HookEvent represents a normalized inbound hook event
type HookEvent struct {
	AgentID            string         `json:"agentId"`
	EventType          EventType      `json:"eventType"`
	OccurredAt         time.Time      `json:"occurredAt"`
	AssistantSessionID string         `json:"assistantSessionId,omitempty"`
	ProjectPath        string         `json:"projectPath,omitempty"`
	ReceivedAt         time.Time      `json:"receivedAt"`
	Data               map[string]any `json:"typeSpecificData,omitempty"`
}

func (e *HookEvent) stringData(key string) string {
	if e.Data == nil {
		return ""
	}
	v, _ := e.Data[key].(string)
	return v
}

// Source returns the SessionStart source field: startup, resume, clear, or compact
func (e *HookEvent) Source() string {
	return e.stringData("source")
}

// Trigger returns the PreCompact trigger field: manual or auto
func (e *HookEvent) Trigger() string {
	return e.stringData("trigger")
}

// ToolName returns the tool name carried by PreToolUse/PostToolUse events
func (e *HookEvent) ToolName() string {
	return e.stringData("tool_name")
}

// DropReason classifies why an inbound hook event was not dispatched
type DropReason string

const (
	// DropNotSubscribed means the event type is not in the agent's hookEvents
	DropNotSubscribed DropReason = "not-in-hookEvents"
	// DropSessionMismatch means the event carried a different assistant session id
	DropSessionMismatch DropReason = "session-mismatch"
	// DropProcessingBusy means the state machine was mid-cycle
	DropProcessingBusy DropReason = "processing-busy"
	// DropCooldown means the event arrived inside the post-response cooldown
	DropCooldown DropReason = "cooldown"
	// DropUnknownAgent means no agent matched the target id
	DropUnknownAgent DropReason = "unknown-agent"
)
