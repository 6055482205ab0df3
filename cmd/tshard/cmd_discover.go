package main

import (
	"fmt"
	"os"

	"testshard/internal/adapter"
	"testshard/internal/driver"
	"testshard/internal/inventory"

	"github.com/spf13/cobra"
)

var discoverJSON bool

// discoverCmd prints the canonicalized inventory
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the canonicalized test inventory",
	Long: `Performs the adapter handshake and discovery, canonicalizes the inventory
by test id, and prints it. No sharding, no execution. An empty inventory is
not an error here; only a shard run distinguishes empty from failing.`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringVarP(&adapterName, "adapter", "a", "", "Adapter name from the config registry")
	discoverCmd.Flags().StringArrayVar(&patterns, "pattern", nil, "Test selection pattern in adapter syntax (repeatable)")
	discoverCmd.Flags().StringArrayVar(&excludes, "exclude", nil, "Exclusion pattern (repeatable)")
	discoverCmd.Flags().StringVar(&projectRoot, "project-root", "", "Project root (default from config)")
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Emit the inventory as JSON")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return confError("config", err)
	}
	opts, adapterConf, _, err := resolveAdapter(cfg, adapterName)
	if err != nil {
		return confError("adapter", err)
	}

	mgr := adapter.NewManager(opts)
	if err := mgr.Start(cmd.Context()); err != nil {
		return confError(driver.FailureClass(err), err)
	}
	defer func() { _ = mgr.Shutdown() }()

	tests, err := mgr.Discover(cmd.Context(), adapter.DiscoverRequest{
		Patterns:    patterns,
		Exclude:     excludes,
		ProjectRoot: effectiveProjectRoot(cfg),
		Config:      adapterConf,
	})
	if err != nil {
		return confError(driver.FailureClass(err), err)
	}

	info, err := mgr.Info()
	if err != nil {
		return confError(driver.FailureClass(err), err)
	}

	if discoverJSON {
		return printJSON(os.Stdout, struct {
			Adapter inventory.AdapterInfo      `json:"adapter"`
			Tests   []inventory.TestDescriptor `json:"tests"`
			Total   int                        `json:"total_count"`
		}{info, tests, len(tests)})
	}

	fmt.Printf("Adapter:    %s %s\n", info.Name, info.Version)
	fmt.Printf("Discovered: %d tests\n", len(tests))
	if len(tests) > 0 {
		fmt.Println()
	}
	for _, td := range tests {
		loc := td.Source.File
		if td.Source.Line > 0 {
			loc = fmt.Sprintf("%s:%d", loc, td.Source.Line)
		}
		fmt.Printf("  %-32s %s\n", td.ID, loc)
	}
	return nil
}
