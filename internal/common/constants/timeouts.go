// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts and intervals for the supervision pipeline.
const (
	// MaxProcessingTime is how long an event cycle may hold the processing
	// guard before it is considered stuck and force-released.
	MaxProcessingTime = 120 * time.Second

	// EventCooldown is the minimum interval between two terminal actions
	// triggered by hook events on the same agent.
	EventCooldown = 3 * time.Second

	// OracleTimeout is the hard wall-clock ceiling for a single decision
	// oracle call. Configuration may lower it, never raise it.
	OracleTimeout = 60 * time.Second

	// SessionRestartPollInterval is how often the pane is re-captured while
	// waiting for it to settle after a clear or compact restart.
	SessionRestartPollInterval = 1 * time.Second

	// SessionRestartMaxWait bounds the post-restart settling poll.
	SessionRestartMaxWait = 15 * time.Second

	// InstructionLockWait is how long a human instruction waits to acquire
	// the processing guard before giving up.
	InstructionLockWait = 10 * time.Second

	// KeystrokeDelay separates literal text from the Enter that submits it,
	// giving the REPL time to consume the paste.
	KeystrokeDelay = 50 * time.Millisecond
)

// Watchdog defaults. Per-agent settings override these, floored at the
// minimums below.
const (
	DefaultWatchdogPollInterval   = 30 * time.Second
	DefaultWatchdogActionCooldown = 60 * time.Second
	DefaultAttentionThreshold     = 3

	MinWatchdogPollInterval   = 5 * time.Second
	MinWatchdogActionCooldown = 10 * time.Second
	MinAttentionThreshold     = 1
)

// Capture and reporting sizes.
const (
	// DefaultCaptureLines is the number of trailing pane lines per snapshot.
	DefaultCaptureLines = 200

	// OracleTerminalLines caps the terminal excerpt included in an oracle
	// prompt.
	OracleTerminalLines = 200

	// HelpSnippetLines is the size of the terminal excerpt attached to a
	// request_help notification.
	HelpSnippetLines = 20

	// AgentLogRingCapacity is the per-agent in-memory log ring size; older
	// entries are dropped on insert.
	AgentLogRingCapacity = 500
)
