// Package terminal observes and drives the panes that host supervised
// assistant sessions. The Adapter is the only client of the multiplexer
// inside the core; everything above it works with snapshots and states.
package terminal

import (
	"context"
	"errors"
)

// ErrTerminalUnavailable marks capture or injection failures caused by a
// missing or dead pane. Callers treat it as a transient condition, never as
// grounds for marking an agent errored.
var ErrTerminalUnavailable = errors.New("terminal pane unavailable")

// Key names understood by SendKey, following tmux key syntax
const (
	KeyEnter  = "Enter"
	KeyEscape = "Escape"
	KeyYes    = "y"
	KeyNo     = "n"
)

// Mux is the pane-addressable multiplexer contract
type Mux interface {
	// Capture returns the pane's visible text plus up to maxLines of
	// scrollback; maxLines <= 0 means the full history
	Capture(ctx context.Context, paneID string, maxLines int) (string, error)

	// SendLiteral sends text as literal bytes, without key-name lookup
	SendLiteral(ctx context.Context, paneID, text string) error

	// SendKey sends a single named key
	SendKey(ctx context.Context, paneID, key string) error

	// SendEnter sends the Enter key
	SendEnter(ctx context.Context, paneID string) error
}
