//go:build windows

package localmux

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
)

// startPTY starts the command attached to a Windows ConPTY of the given
// size. ConPTY creates the process itself, so the command line is rebuilt
// from cmd and cmd.Process is backfilled afterwards so ClosePane can kill
// and Wait on it like on Unix.
func startPTY(cmd *exec.Cmd, cols, rows int) (io.ReadWriteCloser, error) {
	cmdLine := buildCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = escapeArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(cols, rows),
	}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(cpty.Pid())
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("find conpty process %d: %w", cpty.Pid(), err)
	}
	cmd.Process = proc

	return cpty, nil
}
