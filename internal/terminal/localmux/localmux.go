// Package localmux hosts supervised assistant processes in local
// pseudo-terminals and exposes them as panes for the terminal adapter.
// It covers setups without a tmux server: the supervisor owns the child
// process and a vt10x screen keeps a rendered view of its output.
package localmux

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/common/logger"
)

const (
	defaultCols = 120
	defaultRows = 40
)

// PaneConfig describes the process to host in a new pane
type PaneConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // nil inherits the parent environment
	Cols    int
	Rows    int
}

// pane is one hosted process: its PTY and the virtual screen fed from it
type pane struct {
	id   string
	cmd  *exec.Cmd
	pty  io.ReadWriteCloser
	cols int
	rows int

	mu      sync.Mutex
	term    vt10x.Terminal
	exited  bool
	exitErr error
}

// feed pushes PTY output into the virtual screen
func (p *pane) feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.term.Write(data)
}

func (p *pane) markExited(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
	p.exitErr = err
}

func (p *pane) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// screenLines renders the screen as text, one string per row with
// trailing padding removed
func (p *pane) screenLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	lines := make([]string, p.rows)
	for row := 0; row < p.rows; row++ {
		chars := make([]rune, p.cols)
		for col := 0; col < p.cols; col++ {
			g := p.term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	return lines
}

// LocalMux implements terminal.Mux over panes it hosts itself
type LocalMux struct {
	log *logger.Logger

	mu     sync.Mutex
	panes  map[string]*pane
	nextID int
}

// NewLocalMux creates an empty pane host
func NewLocalMux(log *logger.Logger) *LocalMux {
	return &LocalMux{
		log:   log,
		panes: make(map[string]*pane),
	}
}

// StartPane launches the configured process in a fresh PTY and returns the
// pane id, tmux-style ("%1", "%2", ...)
func (m *LocalMux) StartPane(cfg PaneConfig) (string, error) {
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env, "TERM=xterm-256color")

	handle, err := startPTY(cmd, cols, rows)
	if err != nil {
		return "", fmt.Errorf("start pty for %s: %w", cfg.Command, err)
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("%%%d", m.nextID)
	p := &pane{
		id:   id,
		cmd:  cmd,
		pty:  handle,
		cols: cols,
		rows: rows,
		term: vt10x.New(vt10x.WithSize(cols, rows)),
	}
	m.panes[id] = p
	m.mu.Unlock()

	go m.pump(p)

	m.log.Info("Started local pane",
		zap.String("pane_id", id),
		zap.String("command", cfg.Command))
	return id, nil
}

// pump copies PTY output into the pane's screen until the process exits
func (m *LocalMux) pump(p *pane) {
	buf := make([]byte, 4096)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			p.feed(buf[:n])
		}
		if err != nil {
			var waitErr error
			if p.cmd.Process != nil {
				waitErr = p.cmd.Wait()
			}
			p.markExited(waitErr)
			m.log.Info("Pane process exited",
				zap.String("pane_id", p.id),
				zap.Error(waitErr))
			return
		}
	}
}

func (m *LocalMux) pane(paneID string) (*pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.panes[paneID]
	if !ok {
		return nil, fmt.Errorf("no such pane %s", paneID)
	}
	return p, nil
}

// Capture renders the pane's screen. maxLines > 0 keeps only the bottom
// of the view; scrollback beyond the screen is not retained by this host.
func (m *LocalMux) Capture(ctx context.Context, paneID string, maxLines int) (string, error) {
	p, err := m.pane(paneID)
	if err != nil {
		return "", err
	}
	if !p.alive() {
		return "", fmt.Errorf("pane %s process exited", paneID)
	}

	lines := p.screenLines()
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// SendLiteral writes text to the pane's PTY as-is
func (m *LocalMux) SendLiteral(ctx context.Context, paneID, text string) error {
	return m.write(paneID, []byte(text))
}

// SendKey writes a named key. Unrecognized names are sent as literal
// characters, matching tmux send-keys behavior for plain keys.
func (m *LocalMux) SendKey(ctx context.Context, paneID, key string) error {
	return m.write(paneID, keyBytes(key))
}

// SendEnter submits the pane's current input line
func (m *LocalMux) SendEnter(ctx context.Context, paneID string) error {
	return m.write(paneID, []byte("\r"))
}

func (m *LocalMux) write(paneID string, data []byte) error {
	p, err := m.pane(paneID)
	if err != nil {
		return err
	}
	if !p.alive() {
		return fmt.Errorf("pane %s process exited", paneID)
	}
	if _, err := p.pty.Write(data); err != nil {
		return fmt.Errorf("write to pane %s: %w", paneID, err)
	}
	return nil
}

// ClosePane kills the pane's process and releases its PTY
func (m *LocalMux) ClosePane(paneID string) error {
	m.mu.Lock()
	p, ok := m.panes[paneID]
	delete(m.panes, paneID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such pane %s", paneID)
	}

	if p.cmd != nil && p.cmd.Process != nil && p.alive() {
		_ = p.cmd.Process.Kill()
	}
	return p.pty.Close()
}

// Shutdown closes every pane
func (m *LocalMux) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.panes))
	for id := range m.panes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.ClosePane(id); err != nil {
			m.log.Warn("Failed to close pane", zap.String("pane_id", id), zap.Error(err))
		}
	}
}

// keyBytes maps tmux-style key names to the bytes a terminal sends
func keyBytes(key string) []byte {
	switch key {
	case "Enter":
		return []byte("\r")
	case "Escape":
		return []byte("\x1b")
	case "Tab":
		return []byte("\t")
	case "Space":
		return []byte(" ")
	case "Up":
		return []byte("\x1b[A")
	case "Down":
		return []byte("\x1b[B")
	case "Right":
		return []byte("\x1b[C")
	case "Left":
		return []byte("\x1b[D")
	case "C-c":
		return []byte{0x03}
	case "C-d":
		return []byte{0x04}
	default:
		return []byte(key)
	}
}
