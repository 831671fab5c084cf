package main

import (
	"github.com/spf13/cobra"

	"github.com/foundryrun/foundry/internal/runner"
)

// internalCmd groups subcommands that are implementation details of
// Foundry itself rather than an operator-facing interface: the worker
// re-execs itself into "internal run-entrypoint" to isolate a script's
// execution in a child process.
var internalCmd = &cobra.Command{
	Use:    "internal",
	Short:  "Internal subcommands used by Foundry itself",
	Hidden: true,
}

var runEntrypointCmd = &cobra.Command{
	Use:    "run-entrypoint <script-path> <entrypoint> <symbol>",
	Short:  "Run a single compiled entrypoint and report its outcome over fd 4",
	Hidden: true,
	Args:   cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		runner.RunChild(args[0], args[1], args[2])
	},
}

func init() {
	internalCmd.AddCommand(runEntrypointCmd)
}
