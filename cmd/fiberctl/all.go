package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// scenario pairs a subcommand's RunE with a name used only for error
// attribution when several run concurrently under allCmd.
type scenario struct {
	name string
	run  func(cmd *cobra.Command, args []string) error
}

var allScenarios = []scenario{
	{"plain-run", plainRunCmd.RunE},
	{"await-chain", awaitChainCmd.RunE},
	{"inline", inlineCmd.RunE},
	{"deferred", deferredCmd.RunE},
	{"failure", failureCmd.RunE},
	{"destroy", destroyCmd.RunE},
}

// allCmd runs every scenario concurrently, each on its own TaskScheduler and
// its own goroutine - a direct demonstration of the non-goal that a single
// scheduler never runs tasks in parallel, while several independent
// schedulers may each occupy their own OS thread at once.
var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every scenario concurrently, each on its own scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		var g errgroup.Group
		for _, sc := range allScenarios {
			sc := sc
			g.Go(func() error {
				if err := sc.run(cmd, args); err != nil {
					return fmt.Errorf("%s: %w", sc.name, err)
				}
				return nil
			})
		}
		return g.Wait()
	},
}
