// Command fiberctl drives the scheduler's end-to-end scenarios from the
// command line: a small operator-facing demo, not the scheduler itself.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	metricsOut bool
)

var rootCmd = &cobra.Command{
	Use:   "fiberctl",
	Short: "Drive cooperative fiber-scheduler scenarios",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug-level scheduler logging")
	rootCmd.PersistentFlags().BoolVar(&metricsOut, "metrics", false, "print the Prometheus metrics snapshot after the run")

	rootCmd.AddCommand(
		plainRunCmd,
		awaitChainCmd,
		inlineCmd,
		deferredCmd,
		failureCmd,
		destroyCmd,
		allCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
