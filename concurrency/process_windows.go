//go:build windows

package concurrency

import (
	"errors"
	"os"
	"os/exec"
)

var errPTYUnsupported = errors.New("pty mode is not supported on windows")

func setProcessGroup(cmd *exec.Cmd) {}

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errPTYUnsupported
}

// Windows has no SIGTERM; both steps kill the process.
func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
