// Package chat defines the operator chat surface of an agent: outbound
// notifications about what the supervisor did, and inbound instructions
// the daemon relays into the running session.
package chat

import "context"

// Level grades an outbound notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is one outbound operator message.
type Notification struct {
	Level Level
	Title string
	Body  string
	// TerminalSnippet optionally carries recent pane output for context.
	TerminalSnippet string
}

// Handler consumes one inbound operator message and returns the reply to
// show them. Errors are reported back to the operator, not swallowed.
type Handler func(ctx context.Context, text string) (string, error)

// Transport is one agent's chat channel.
type Transport interface {
	// Start begins receiving inbound messages until the context ends or
	// Stop is called. Starting a running transport is a no-op.
	Start(ctx context.Context) error
	// Stop ends the receive loop and waits for it to exit.
	Stop() error
	IsRunning() bool
	SendNotification(ctx context.Context, n Notification) error
}
