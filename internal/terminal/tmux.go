package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/common/logger"
)

// TmuxMux drives panes of a running tmux server through the tmux CLI.
// Pane IDs are tmux targets: "%12", "session:window.pane", etc.
type TmuxMux struct {
	log *logger.Logger
}

// NewTmuxMux creates a tmux-backed multiplexer
func NewTmuxMux(log *logger.Logger) *TmuxMux {
	return &TmuxMux{log: log}
}

// Capture reads the pane's visible text plus scrollback. -J joins wrapped
// lines so regex matching sees them whole.
func (m *TmuxMux) Capture(ctx context.Context, paneID string, maxLines int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", paneID}
	if maxLines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", maxLines))
	} else {
		args = append(args, "-S", "-")
	}

	out, err := exec.CommandContext(ctx, "tmux", args...).Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w%s", paneID, err, exitStderr(err))
	}
	return string(out), nil
}

// SendLiteral sends text with -l so tmux skips key-name interpretation
func (m *TmuxMux) SendLiteral(ctx context.Context, paneID, text string) error {
	if err := m.run(ctx, "send-keys", "-l", "-t", paneID, text); err != nil {
		return err
	}
	m.log.Debug("tmux send-keys literal", zap.String("pane_id", paneID), zap.Int("chars", len(text)))
	return nil
}

// SendKey sends a single named key
func (m *TmuxMux) SendKey(ctx context.Context, paneID, key string) error {
	return m.run(ctx, "send-keys", "-t", paneID, key)
}

// SendEnter sends the Enter key
func (m *TmuxMux) SendEnter(ctx context.Context, paneID string) error {
	return m.SendKey(ctx, paneID, KeyEnter)
}

func (m *TmuxMux) run(ctx context.Context, args ...string) error {
	if err := exec.CommandContext(ctx, "tmux", args...).Run(); err != nil {
		return fmt.Errorf("tmux %s: %w%s", args[0], err, exitStderr(err))
	}
	return nil
}

// exitStderr pulls tmux's stderr out of an ExitError for error messages
func exitStderr(err error) string {
	if exitErr, ok := err.(*exec.ExitError); ok {
		if msg := strings.TrimSpace(string(exitErr.Stderr)); msg != "" {
			return " (" + msg + ")"
		}
	}
	return ""
}
