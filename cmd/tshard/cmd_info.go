package main

import (
	"fmt"
	"os"

	"testshard/internal/adapter"
	"testshard/internal/driver"

	"github.com/spf13/cobra"
)

var infoJSON bool

// infoCmd shows the adapter's identity and capabilities
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the adapter's identity and capabilities",
	Long: `Spawns the adapter, performs the get_info handshake, prints the result,
and shuts the adapter down. A capability listed false here explains why the
corresponding operation is refused without touching the adapter.`,
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().StringVarP(&adapterName, "adapter", "a", "", "Adapter name from the config registry")
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Emit the info as JSON")
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return confError("config", err)
	}
	opts, _, name, err := resolveAdapter(cfg, adapterName)
	if err != nil {
		return confError("adapter", err)
	}

	mgr := adapter.NewManager(opts)
	if err := mgr.Start(cmd.Context()); err != nil {
		return confError(driver.FailureClass(err), err)
	}
	defer func() { _ = mgr.Shutdown() }()

	info, err := mgr.Info()
	if err != nil {
		return confError(driver.FailureClass(err), err)
	}

	if infoJSON {
		return printJSON(os.Stdout, info)
	}

	fmt.Printf("Name:         %s\n", info.Name)
	fmt.Printf("Version:      %s\n", info.Version)
	if info.Description != "" {
		fmt.Printf("Description:  %s\n", info.Description)
	}
	if name != info.Name {
		fmt.Printf("Registered:   %s\n", name)
	}
	fmt.Printf("Executable:   %s\n", opts.Path)
	fmt.Printf("Capabilities: discovery=%t filtering=%t metadata=%t\n",
		info.Capabilities.Discovery, info.Capabilities.Filtering, info.Capabilities.Metadata)
	if len(info.PatternExamples) > 0 {
		fmt.Println("Pattern examples:")
		for _, p := range info.PatternExamples {
			fmt.Printf("  %s\n", p)
		}
	}
	return nil
}
