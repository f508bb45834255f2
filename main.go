package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/smtg-ai/genbatch/cmd"
	"github.com/smtg-ai/genbatch/log"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	logStderr bool
	rootCmd   = &cobra.Command{
		Use:   "genbatch",
		Short: "genbatch - run batches of AI code generation CLIs reliably",
		Long: `genbatch runs every task of a batch as its own code generation process
(claude, aider, codex, ...) with a concurrency limit, retries with backoff,
a circuit breaker, heartbeat health checks and degradation to placeholder
output when generation cannot complete.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Initialize(logStderr)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Close()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of genbatch",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "genbatch version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&logStderr, "log-stderr", false,
		"Mirror the log file to stderr")

	rootCmd.AddCommand(cmd.RunCommand())
	rootCmd.AddCommand(cmd.CheckCommand(cmd.MakeExecutor()))
	rootCmd.AddCommand(cmd.ConfigCommand())
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, cmd.ErrBatchCancelled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
