package cmd

import (
	"os/exec"
	"strings"

	"github.com/smtg-ai/genbatch/log"
)

// Executor runs prepared commands. Tests substitute it to avoid spawning
// real programs.
type Executor interface {
	Run(cmd *exec.Cmd) error
	Output(cmd *exec.Cmd) ([]byte, error)
	LookPath(file string) (string, error)
}

// Exec is the os/exec backed Executor.
type Exec struct{}

func (e Exec) Run(cmd *exec.Cmd) error {
	log.DebugLog.Printf("running: %s", ToString(cmd))
	return cmd.Run()
}

func (e Exec) Output(cmd *exec.Cmd) ([]byte, error) {
	log.DebugLog.Printf("running: %s", ToString(cmd))
	return cmd.Output()
}

func (e Exec) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func MakeExecutor() Executor {
	return Exec{}
}

// ToString renders cmd for logs.
func ToString(cmd *exec.Cmd) string {
	if cmd == nil {
		return "<nil>"
	}
	return strings.Join(cmd.Args, " ")
}
