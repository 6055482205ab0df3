package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// adaptersCmd lists the adapter registry
var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List adapters registered in the config",
	Long: `Lists the adapter registry from the config file plus any
TSHARD_ADAPTER_<NAME> environment registrations. No adapter is spawned.`,
	RunE: runAdapters,
}

func runAdapters(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return confError("config", err)
	}

	names := cfg.AdapterNames()
	if len(names) == 0 {
		fmt.Println("No adapters registered.")
		fmt.Println("Add one to .tshard/config.yaml or set TSHARD_ADAPTER_<NAME>=/path/to/adapter.")
		return nil
	}

	for _, name := range names {
		entry := cfg.Adapters[name]
		marker := " "
		if name == cfg.DefaultAdapter {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-16s %s", marker, name, entry.Path)
		if len(entry.Args) > 0 {
			line += " " + strings.Join(entry.Args, " ")
		}
		fmt.Println(line)
	}
	if cfg.DefaultAdapter != "" {
		fmt.Println("\n* default")
	}
	return nil
}
