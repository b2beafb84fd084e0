package terminal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/common/constants"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
)

// Adapter wraps a Mux with snapshot capture, state parsing, and the
// canonical action keystrokes.
type Adapter struct {
	mux          Mux
	captureLines int
	log          *logger.Logger
}

// NewAdapter creates an adapter. captureLines <= 0 falls back to the default.
func NewAdapter(mux Mux, captureLines int, log *logger.Logger) *Adapter {
	if captureLines <= 0 {
		captureLines = constants.DefaultCaptureLines
	}
	return &Adapter{
		mux:          mux,
		captureLines: captureLines,
		log:          log,
	}
}

// Capture reads the pane's text and returns a snapshot with trailing empty
// lines removed. maxLines <= 0 uses the adapter's configured window.
func (a *Adapter) Capture(ctx context.Context, paneID string, maxLines int) (*Snapshot, error) {
	if maxLines <= 0 {
		maxLines = a.captureLines
	}

	text, err := a.mux.Capture(ctx, paneID, maxLines)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTerminalUnavailable, err)
	}

	lines := strings.Split(text, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	return &Snapshot{
		PaneID:     paneID,
		CapturedAt: time.Now().UTC(),
		LineCount:  len(lines),
		Text:       strings.Join(lines, "\n"),
	}, nil
}

// Parse derives a terminal state from a snapshot
func (a *Adapter) Parse(snap *Snapshot) State {
	return parseState(snap.Lines())
}

// SendLiteralThenEnter types text into the pane and submits it. The short
// pause lets the TUI ingest the literal bytes before Enter arrives.
func (a *Adapter) SendLiteralThenEnter(ctx context.Context, paneID, text string) error {
	if err := a.mux.SendLiteral(ctx, paneID, text); err != nil {
		return fmt.Errorf("%w: %s", ErrTerminalUnavailable, err)
	}

	time.Sleep(constants.KeystrokeDelay)

	if err := a.mux.SendEnter(ctx, paneID); err != nil {
		return fmt.Errorf("%w: %s", ErrTerminalUnavailable, err)
	}

	a.log.Debug("Sent response to pane",
		zap.String("pane_id", paneID),
		zap.Int("chars", len(text)))
	return nil
}

// SendApprove accepts a pending permission prompt
func (a *Adapter) SendApprove(ctx context.Context, paneID string) error {
	return a.sendKeyThenEnter(ctx, paneID, KeyYes)
}

// SendReject declines a pending permission prompt
func (a *Adapter) SendReject(ctx context.Context, paneID string) error {
	return a.sendKeyThenEnter(ctx, paneID, KeyNo)
}

// SendEscape interrupts the assistant's current activity
func (a *Adapter) SendEscape(ctx context.Context, paneID string) error {
	if err := a.mux.SendKey(ctx, paneID, KeyEscape); err != nil {
		return fmt.Errorf("%w: %s", ErrTerminalUnavailable, err)
	}
	return nil
}

// SendCompact asks the assistant to compact its context
func (a *Adapter) SendCompact(ctx context.Context, paneID string) error {
	return a.SendLiteralThenEnter(ctx, paneID, "/compact")
}

// SendClear asks the assistant to clear its context
func (a *Adapter) SendClear(ctx context.Context, paneID string) error {
	return a.SendLiteralThenEnter(ctx, paneID, "/clear")
}

func (a *Adapter) sendKeyThenEnter(ctx context.Context, paneID, key string) error {
	if err := a.mux.SendKey(ctx, paneID, key); err != nil {
		return fmt.Errorf("%w: %s", ErrTerminalUnavailable, err)
	}

	time.Sleep(constants.KeystrokeDelay)

	if err := a.mux.SendEnter(ctx, paneID); err != nil {
		return fmt.Errorf("%w: %s", ErrTerminalUnavailable, err)
	}
	return nil
}
