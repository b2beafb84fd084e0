// Package events defines the bus subjects published by the supervisor
// and the payload shapes carried on them.
package events

import "time"

// Subjects for agent lifecycle changes
const (
	AgentCreated       = "agents.lifecycle.created"
	AgentUpdated       = "agents.lifecycle.updated"
	AgentConnected     = "agents.lifecycle.connected"
	AgentDisconnected  = "agents.lifecycle.disconnected"
	AgentDeleted       = "agents.lifecycle.deleted"
	AgentStatusChanged = "agents.lifecycle.status"
)

// Subjects for per-agent activity. These carry the agent ID as the final
// subject token, so consumers can follow a single agent or all agents via
// a wildcard subscription.
const (
	HookReceived   = "agents.hooks.received"   // Hook event accepted or dropped
	ActionExecuted = "agents.actions.executed" // Keystrokes injected into a pane
	LogAppended    = "agents.logs.appended"    // Entry added to an agent's log buffer
)

// BuildHookSubject creates a hook-received subject for a specific agent
func BuildHookSubject(agentID string) string {
	return HookReceived + "." + agentID
}

// BuildHookWildcardSubject creates a wildcard subscription for all hook receipts
func BuildHookWildcardSubject() string {
	return HookReceived + ".*"
}

// BuildActionSubject creates an action-executed subject for a specific agent
func BuildActionSubject(agentID string) string {
	return ActionExecuted + "." + agentID
}

// BuildActionWildcardSubject creates a wildcard subscription for all executed actions
func BuildActionWildcardSubject() string {
	return ActionExecuted + ".*"
}

// BuildLogSubject creates a log-appended subject for a specific agent
func BuildLogSubject(agentID string) string {
	return LogAppended + "." + agentID
}

// BuildLogWildcardSubject creates a wildcard subscription for all log entries
func BuildLogWildcardSubject() string {
	return LogAppended + ".*"
}

// LogPayload is carried on agents.logs.appended.<id> events.
type LogPayload struct {
	AgentID   string    `json:"agentId"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionPayload is carried on agents.actions.executed.<id> events.
type ActionPayload struct {
	AgentID   string    `json:"agentId"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	EventType string    `json:"eventType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HookPayload is carried on agents.hooks.received.<id> events. Dropped
// events carry the filter reason; accepted ones leave it empty.
type HookPayload struct {
	AgentID    string    `json:"agentId"`
	EventType  string    `json:"eventType"`
	DropReason string    `json:"dropReason,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}
