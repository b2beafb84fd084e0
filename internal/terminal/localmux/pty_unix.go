//go:build !windows

package localmux

import (
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// startPTY starts the command attached to a Unix pseudo-terminal of the
// given size.
func startPTY(cmd *exec.Cmd, cols, rows int) (io.ReadWriteCloser, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}
