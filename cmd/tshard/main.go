package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"testshard/internal/adapter"
	"testshard/internal/config"
	"testshard/internal/driver"
	"testshard/internal/journal"
	"testshard/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.2.0"

var (
	// Global flags
	configPath  string
	verbose     bool
	rpcTimeout  time.Duration
	adapterPath string
	noJournal   bool

	// Logger
	logger *zap.Logger

	// exitCode feeds os.Exit after the command tree returns. Handlers set
	// it and return nil; a non-nil RunE error is reserved for usage
	// mistakes, which exit 64.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tshard",
	Short: "tshard - deterministic test-suite sharding for CI",
	Long: `tshard splits a test suite across CI shards and runs one shard's slice.

A framework adapter subprocess discovers the tests and rewrites the test
command; tshard canonicalizes the inventory, computes the shard membership
deterministically, and executes the filtered command with live output. Every
shard of the same suite computes the same assignment, so the shards together
run each test exactly once.

Exit codes: 0 shard passed, 1 test failures, 2 orchestration error,
3 empty shard, 64 usage, 130 interrupted.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAudit()
		logging.CloseAll()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .tshard/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&rpcTimeout, "rpc-timeout", 0, "Per-call adapter RPC timeout (overrides config)")
	rootCmd.PersistentFlags().StringVar(&adapterPath, "adapter-path", "", "Adapter executable, bypassing the config registry")
	rootCmd.PersistentFlags().BoolVar(&noJournal, "no-journal", false, "Skip the run journal")

	// Add commands to root
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(adaptersCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(driver.ExitUsage)
	}
	os.Exit(exitCode)
}

// confError reports a pre-driver setup failure the way the driver reports
// orchestration failures: one classified line on stderr, exit 2. It returns
// nil so the caller's RunE does not trip cobra's usage path.
func confError(class string, err error) error {
	fmt.Fprintf(os.Stderr, "tshard: %s: %v\n", class, err)
	exitCode = driver.ExitOrchestration
	return nil
}

// loadConfig resolves the configuration and brings up the category logs.
// A missing config file is normal and yields the defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logOpts := logging.Options{
		Debug:      cfg.Logging.Debug || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		JSONFormat: cfg.Logging.JSONFormat,
	}
	if err := logging.Initialize(effectiveProjectRoot(cfg), logOpts); err != nil {
		logger.Warn("category logging unavailable", zap.Error(err))
	}
	if err := logging.InitAudit(); err != nil {
		logger.Warn("audit log unavailable", zap.Error(err))
	}
	return cfg, nil
}

// effectiveProjectRoot applies the flag-over-config precedence.
func effectiveProjectRoot(cfg *config.Config) string {
	if projectRoot != "" {
		return projectRoot
	}
	if cfg.ProjectRoot != "" {
		return cfg.ProjectRoot
	}
	return "."
}

// resolveAdapter builds the subprocess options for the requested adapter.
// --adapter-path wins over the config registry. Returns the options, the
// adapter's config map for discover_tests, and the resolved name.
func resolveAdapter(cfg *config.Config, name string) (adapter.Options, map[string]string, string, error) {
	opts := adapter.Options{
		WorkDir:       effectiveProjectRoot(cfg),
		RPCTimeout:    cfg.GetRPCTimeout(),
		ShutdownGrace: cfg.GetShutdownGrace(),
		TermGrace:     cfg.GetTermGrace(),
	}
	if rpcTimeout > 0 {
		opts.RPCTimeout = rpcTimeout
	}

	if adapterPath != "" {
		opts.Path = adapterPath
		if name == "" {
			name = filepath.Base(adapterPath)
		}
		return opts, nil, name, nil
	}

	entry, resolved, err := cfg.ResolveAdapter(name)
	if err != nil {
		return adapter.Options{}, nil, "", err
	}
	opts.Path = entry.Path
	opts.Args = entry.Args
	opts.Env = entry.Env
	return opts, entry.Config, resolved, nil
}

// openJournal opens the run journal unless disabled. The journal is an
// observability aid; failure to open it never blocks a run.
func openJournal(cfg *config.Config) *journal.Store {
	if noJournal || !cfg.Journal.Enabled {
		return nil
	}
	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logging.JournalWarn("journal unavailable: %v", err)
		logger.Warn("journal unavailable", zap.Error(err))
		return nil
	}
	return store
}

// notifySignals installs the interrupt channel handed to the driver. The
// driver relays signals to the child during execution, so the process must
// not die on the first SIGINT; cobra never gets a cancelable context here.
func notifySignals() (chan os.Signal, func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	return sigCh, func() { signal.Stop(sigCh) }
}

// originalCommand extracts the test command from everything after the --
// separator. Without a separator the bare args are taken as the command.
func originalCommand(cmd *cobra.Command, args []string) ([]string, error) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		if len(args) == 0 {
			return nil, fmt.Errorf("missing test command (put it after --)")
		}
		return args, nil
	}
	if dash > 0 {
		return nil, fmt.Errorf("unexpected argument %q before --", args[0])
	}
	command := args[dash:]
	if len(command) == 0 {
		return nil, fmt.Errorf("missing test command after --")
	}
	return command, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
