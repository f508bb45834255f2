package cmd

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
)

var ErrProgramNotFound = errors.New("program not found in PATH")

// CheckProgram runs `<program> --version`. Only the first word of program
// is executed, so "aider --model x" checks aider.
func CheckProgram(e Executor, program string) (string, error) {
	fields := strings.Fields(program)
	if len(fields) == 0 {
		return "", fmt.Errorf("no program configured")
	}
	path, err := e.LookPath(fields[0])
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrProgramNotFound, fields[0])
	}
	out, err := e.Output(exec.Command(path, "--version"))
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %w", fields[0], err)
	}
	version := strings.TrimSpace(string(out))
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = version[:i]
	}
	return version, nil
}

// CheckCommand creates the preflight command
func CheckCommand(e Executor) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check [program]",
		Short: "Verify that the code generation CLI is installed",
		Long: `Run "<program> --version" for the configured default program, or the
program given as argument, and report whether it can be started.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			program := cfg.DefaultProgram
			if len(args) == 1 {
				program = args[0]
			}
			version, err := CheckProgram(e, program)
			if err != nil {
				return err
			}
			if version == "" {
				version = "(no version output)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", program, version)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file to read instead of the default location")
	return cmd
}
