package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"testshard/internal/inventory"
)

// Config holds all tshard configuration.
type Config struct {
	// ProjectRoot anchors discovery and execution. Relative paths in
	// descriptors and commands resolve against it.
	ProjectRoot string `yaml:"project_root"`

	// DefaultAdapter names the adapter used when the command line does not
	// pick one.
	DefaultAdapter string `yaml:"default_adapter"`

	// Adapters registers adapter executables by name.
	Adapters map[string]AdapterEntry `yaml:"adapters"`

	// Run settings
	Run RunConfig `yaml:"run"`

	// Journal settings
	Journal JournalConfig `yaml:"journal"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// AdapterEntry describes one registered adapter executable.
type AdapterEntry struct {
	// Path is the adapter executable. Required.
	Path string `yaml:"path"`

	// Args are fixed arguments prepended on every spawn.
	Args []string `yaml:"args"`

	// Env holds extra KEY=VALUE pairs for the adapter process.
	Env []string `yaml:"env"`

	// Config is the opaque blob forwarded with discover_tests.
	Config map[string]string `yaml:"config"`
}

// RunConfig configures orchestration defaults.
type RunConfig struct {
	// Strategy is the default partitioning strategy.
	Strategy string `yaml:"strategy"` // round-robin, sequential

	// RPCTimeout bounds each adapter protocol call.
	RPCTimeout string `yaml:"rpc_timeout"`

	// ShutdownGrace is how long to wait after closing the adapter's stdin
	// before escalating to SIGTERM.
	ShutdownGrace string `yaml:"shutdown_grace"`

	// TermGrace is how long to wait after SIGTERM before SIGKILL.
	TermGrace string `yaml:"term_grace"`
}

// JournalConfig configures run history persistence.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures category logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error

	// Debug enables the category log files under .tshard/logs.
	Debug bool `yaml:"debug"`

	// Categories filters which categories log; unlisted categories default
	// to enabled.
	Categories map[string]bool `yaml:"categories"`

	// JSONFormat switches log lines to JSON.
	JSONFormat bool `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ProjectRoot: ".",
		Adapters:    map[string]AdapterEntry{},

		Run: RunConfig{
			Strategy:      string(inventory.StrategyRoundRobin),
			RPCTimeout:    "30s",
			ShutdownGrace: "2s",
			TermGrace:     "5s",
		},

		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(".tshard", "journal.db"),
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the default path to .tshard/config.yaml.
func DefaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".tshard", "config.yaml")
	}
	return filepath.Join(cwd, ".tshard", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file is not an
// error; defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// adapterEnvPrefix names per-adapter path overrides: TSHARD_ADAPTER_PYTEST
// overrides (or registers) the adapter called "pytest".
const adapterEnvPrefix = "TSHARD_ADAPTER_"

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TSHARD_PROJECT_ROOT"); v != "" {
		c.ProjectRoot = v
	}
	if v := os.Getenv("TSHARD_STRATEGY"); v != "" {
		c.Run.Strategy = v
	}
	if v := os.Getenv("TSHARD_RPC_TIMEOUT"); v != "" {
		c.Run.RPCTimeout = v
	}
	if v := os.Getenv("TSHARD_ADAPTER"); v != "" {
		c.DefaultAdapter = v
	}
	if v := os.Getenv("TSHARD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	switch strings.ToLower(os.Getenv("TSHARD_JOURNAL")) {
	case "0", "false", "off", "disabled":
		c.Journal.Enabled = false
	}

	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, adapterEnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(adapterEnvPrefix) {
			continue
		}
		name := strings.ToLower(kv[len(adapterEnvPrefix):eq])
		path := kv[eq+1:]
		if name == "" || path == "" {
			continue
		}
		if c.Adapters == nil {
			c.Adapters = map[string]AdapterEntry{}
		}
		entry := c.Adapters[name]
		entry.Path = path
		c.Adapters[name] = entry
	}
}

// GetRPCTimeout returns the per-call RPC timeout as a duration.
func (c *Config) GetRPCTimeout() time.Duration {
	d, err := time.ParseDuration(c.Run.RPCTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetShutdownGrace returns the stdin-close grace as a duration.
func (c *Config) GetShutdownGrace() time.Duration {
	d, err := time.ParseDuration(c.Run.ShutdownGrace)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetTermGrace returns the SIGTERM grace as a duration.
func (c *Config) GetTermGrace() time.Duration {
	d, err := time.ParseDuration(c.Run.TermGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// Strategy returns the configured default strategy.
func (c *Config) Strategy() (inventory.Strategy, error) {
	return inventory.ParseStrategy(c.Run.Strategy)
}

// AdapterNames returns the registered adapter names, sorted.
func (c *Config) AdapterNames() []string {
	names := make([]string, 0, len(c.Adapters))
	for name := range c.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveAdapter picks the adapter entry for name, falling back to the
// default adapter when name is empty.
func (c *Config) ResolveAdapter(name string) (AdapterEntry, string, error) {
	if name == "" {
		name = c.DefaultAdapter
	}
	if name == "" {
		return AdapterEntry{}, "", fmt.Errorf("no adapter selected (set default_adapter or pass one explicitly)")
	}
	entry, ok := c.Adapters[name]
	if !ok {
		known := c.AdapterNames()
		if len(known) == 0 {
			return AdapterEntry{}, "", fmt.Errorf("unknown adapter %q (none registered)", name)
		}
		return AdapterEntry{}, "", fmt.Errorf("unknown adapter %q (registered: %s)", name, strings.Join(known, ", "))
	}
	return entry, name, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := inventory.ParseStrategy(c.Run.Strategy); err != nil {
		return fmt.Errorf("run.strategy: %w", err)
	}
	if c.Run.RPCTimeout != "" {
		if _, err := time.ParseDuration(c.Run.RPCTimeout); err != nil {
			return fmt.Errorf("run.rpc_timeout: %w", err)
		}
	}
	for name, entry := range c.Adapters {
		if entry.Path == "" {
			return fmt.Errorf("adapter %q has no path", name)
		}
	}
	return nil
}
