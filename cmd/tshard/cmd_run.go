package main

import (
	"testshard/internal/config"
	"testshard/internal/driver"
	"testshard/internal/inventory"
	"testshard/internal/journal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Shard selection flags, shared by run and plan
	adapterName string
	shardIndex  int
	shardTotal  int
	strategyStr string
	patterns    []string
	excludes    []string
	projectRoot string
)

// runCmd executes this shard's slice of the suite
var runCmd = &cobra.Command{
	Use:   "run [flags] -- test command...",
	Short: "Run this shard's slice of the test suite",
	Long: `Discovers the suite through the adapter, computes this shard's membership
deterministically, and executes the adapter's filtered command with live
output. The orchestrator's exit code reflects the shard outcome.

The original test command goes after --:

  tshard run -a pytest --index 2 --total 4 -- pytest -q tests/`,
	RunE: runShard,
}

func init() {
	addShardFlags(runCmd)
}

// addShardFlags registers the selection flags common to run and plan.
func addShardFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&adapterName, "adapter", "a", "", "Adapter name from the config registry")
	cmd.Flags().IntVar(&shardIndex, "index", 1, "1-based shard index")
	cmd.Flags().IntVar(&shardTotal, "total", 1, "Total number of shards")
	cmd.Flags().StringVar(&strategyStr, "strategy", "", "Distribution strategy: round-robin or sequential")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "Test selection pattern in adapter syntax (repeatable)")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "Exclusion pattern (repeatable)")
	cmd.Flags().StringVar(&projectRoot, "project-root", "", "Project root (default from config)")
}

func runShard(cmd *cobra.Command, args []string) error {
	command, err := originalCommand(cmd, args)
	if err != nil {
		return err
	}

	req, cleanup, err := buildRequest(driver.ModeRun, command)
	if err != nil || req == nil {
		return err
	}
	defer cleanup()

	res := driver.New(req).Run(cmd.Context())
	logger.Debug("run finished",
		zap.String("run_id", res.RunID),
		zap.String("phase", string(res.Phase)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("child_exit_code", res.ChildExitCode))
	exitCode = res.ExitCode
	return nil
}

// buildRequest assembles the driver request shared by run and plan. A nil
// request with a nil error means the failure was already reported and the
// exit code is set.
func buildRequest(mode driver.Mode, command []string) (*driver.Request, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, confError("config", err)
	}

	spec, err := shardSpec(cfg)
	if err != nil {
		if strategyStr != "" {
			return nil, nil, err
		}
		return nil, nil, confError("config", err)
	}

	opts, adapterConf, name, err := resolveAdapter(cfg, adapterName)
	if err != nil {
		return nil, nil, confError("adapter", err)
	}

	// Plan mode runs nothing, so it records nothing.
	var store *journal.Store
	if mode == driver.ModeRun {
		store = openJournal(cfg)
	}
	sigCh, stopSignals := notifySignals()

	req := &driver.Request{
		Mode:            mode,
		AdapterName:     name,
		Adapter:         opts,
		Spec:            spec,
		Patterns:        patterns,
		Exclude:         excludes,
		AdapterConfig:   adapterConf,
		ProjectRoot:     effectiveProjectRoot(cfg),
		OriginalCommand: command,
		CheckAdapter:    checkAdapter,
		Signals:         sigCh,
		Journal:         store,
	}
	cleanup := func() {
		stopSignals()
		if store != nil {
			store.Close()
		}
	}
	return req, cleanup, nil
}

// shardSpec builds the shard spec from flags layered over config. The
// driver re-validates before spawning; this only resolves the strategy.
func shardSpec(cfg *config.Config) (inventory.ShardSpec, error) {
	strategy := strategyStr
	if strategy == "" {
		strategy = cfg.Run.Strategy
	}
	if strategy == "" {
		strategy = string(inventory.StrategyRoundRobin)
	}
	parsed, err := inventory.ParseStrategy(strategy)
	if err != nil {
		return inventory.ShardSpec{}, err
	}
	return inventory.ShardSpec{Index: shardIndex, Total: shardTotal, Strategy: parsed}, nil
}
