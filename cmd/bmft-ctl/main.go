// Command bmft-ctl is the thin CLI wrapper spec.md §6 defines an exit-code
// contract for: one rank's bring-up/teardown driven from the command line,
// plus the standalone rendezvous server peers dial during that bring-up.
// It is deliberately NOT a bandwidth benchmark or a multi-process launcher
// (spec.md §1 Non-goals) — those stay out of scope the same way the
// teacher's cmd/ublk-mem never grew into a block-device benchmarking tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bmft-ctl",
		Short: "Bring up and tear down a Big-Memory Fabric Transport rank",
		Long: `bmft-ctl is a thin operational wrapper around the bmft package:
it opens one rank's Transport, exchanges endpoints/memory keys with its
peers through a rendezvous server, waits for every queue pair to come
ready, and tears down cleanly on SIGINT/SIGTERM.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newRendezvousCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bmft-ctl:", err)
		os.Exit(1)
	}
}
