package main

import (
	"testshard/internal/driver"

	"github.com/spf13/cobra"
)

var checkAdapter bool

// planCmd prints the would-be assignment without executing anything
var planCmd = &cobra.Command{
	Use:   "plan [flags] -- test command...",
	Short: "Print the shard assignment and command without running it",
	Long: `Runs discovery and sharding exactly like run, prints the full assignment,
this shard's tests, and the filtered command, then stops. Nothing is
executed and nothing is journaled.

Useful for verifying a CI matrix before committing to it:

  tshard plan -a pytest --index 2 --total 4 -- pytest -q tests/`,
	RunE: runPlan,
}

func init() {
	addShardFlags(planCmd)
	planCmd.Flags().BoolVar(&checkAdapter, "check-adapter", false, "Cross-check the adapter's shard_tests against the local partition")
}

func runPlan(cmd *cobra.Command, args []string) error {
	command, err := originalCommand(cmd, args)
	if err != nil {
		return err
	}

	req, cleanup, err := buildRequest(driver.ModePlan, command)
	if err != nil || req == nil {
		return err
	}
	defer cleanup()

	res := driver.New(req).Run(cmd.Context())
	exitCode = res.ExitCode
	return nil
}
