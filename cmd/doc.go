// Package cmd holds the genbatch subcommands and the Executor abstraction.
//
// Each subcommand is built by a constructor returning *cobra.Command so the
// root command in main can assemble them and tests can execute them with
// their own arguments and output buffers. Executor wraps os/exec for the
// commands that shell out directly (the preflight check); task processes are
// started by the concurrency package's ProcessLauncher.
package cmd
