package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_Run(t *testing.T) {
	t.Run("TSHARD_STRATEGY overrides strategy", func(t *testing.T) {
		t.Setenv("TSHARD_STRATEGY", "sequential")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "sequential", cfg.Run.Strategy)
	})

	t.Run("TSHARD_RPC_TIMEOUT overrides timeout", func(t *testing.T) {
		t.Setenv("TSHARD_RPC_TIMEOUT", "90s")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "90s", cfg.Run.RPCTimeout)
	})

	t.Run("TSHARD_PROJECT_ROOT overrides root", func(t *testing.T) {
		t.Setenv("TSHARD_PROJECT_ROOT", "/srv/checkout")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/srv/checkout", cfg.ProjectRoot)
	})

	t.Run("empty values leave config alone", func(t *testing.T) {
		t.Setenv("TSHARD_STRATEGY", "")
		t.Setenv("TSHARD_RPC_TIMEOUT", "")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "round-robin", cfg.Run.Strategy)
		assert.Equal(t, "30s", cfg.Run.RPCTimeout)
	})
}

func TestEnvOverrides_AdapterSelection(t *testing.T) {
	t.Run("TSHARD_ADAPTER sets the default adapter", func(t *testing.T) {
		t.Setenv("TSHARD_ADAPTER", "pytest")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "pytest", cfg.DefaultAdapter)
	})

	t.Run("TSHARD_ADAPTER wins over file value", func(t *testing.T) {
		t.Setenv("TSHARD_ADAPTER", "gotest")

		cfg := DefaultConfig()
		cfg.DefaultAdapter = "pytest"
		cfg.applyEnvOverrides()

		assert.Equal(t, "gotest", cfg.DefaultAdapter)
	})
}

func TestEnvOverrides_AdapterRegistration(t *testing.T) {
	t.Run("TSHARD_ADAPTER_PYTEST registers pytest", func(t *testing.T) {
		t.Setenv("TSHARD_ADAPTER_PYTEST", "/opt/adapters/pytest")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		require.Contains(t, cfg.Adapters, "pytest")
		assert.Equal(t, "/opt/adapters/pytest", cfg.Adapters["pytest"].Path)
	})

	t.Run("name is lowercased", func(t *testing.T) {
		t.Setenv("TSHARD_ADAPTER_GoTest", "/opt/adapters/gotest")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		require.Contains(t, cfg.Adapters, "gotest")
	})

	t.Run("override keeps args and env of the file entry", func(t *testing.T) {
		t.Setenv("TSHARD_ADAPTER_PYTEST", "/opt/new/pytest")

		cfg := DefaultConfig()
		cfg.Adapters["pytest"] = AdapterEntry{
			Path: "/opt/old/pytest",
			Args: []string{"--strict"},
			Env:  []string{"PYTEST_DEBUG=1"},
		}
		cfg.applyEnvOverrides()

		entry := cfg.Adapters["pytest"]
		assert.Equal(t, "/opt/new/pytest", entry.Path)
		assert.Equal(t, []string{"--strict"}, entry.Args)
		assert.Equal(t, []string{"PYTEST_DEBUG=1"}, entry.Env)
	})

	t.Run("empty path is ignored", func(t *testing.T) {
		t.Setenv("TSHARD_ADAPTER_PYTEST", "")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.NotContains(t, cfg.Adapters, "pytest")
	})

	t.Run("registers into a nil map", func(t *testing.T) {
		t.Setenv("TSHARD_ADAPTER_PYTEST", "/opt/adapters/pytest")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		require.Contains(t, cfg.Adapters, "pytest")
	})
}

func TestEnvOverrides_Journal(t *testing.T) {
	t.Run("TSHARD_JOURNAL_PATH overrides path", func(t *testing.T) {
		t.Setenv("TSHARD_JOURNAL_PATH", "/var/lib/tshard/journal.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/var/lib/tshard/journal.db", cfg.Journal.Path)
	})

	t.Run("TSHARD_JOURNAL off values disable it", func(t *testing.T) {
		for _, v := range []string{"0", "false", "off", "disabled", "OFF"} {
			t.Setenv("TSHARD_JOURNAL", v)

			cfg := DefaultConfig()
			cfg.applyEnvOverrides()

			assert.False(t, cfg.Journal.Enabled, "TSHARD_JOURNAL=%s", v)
		}
	})

	t.Run("other values keep the journal on", func(t *testing.T) {
		t.Setenv("TSHARD_JOURNAL", "yes")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.True(t, cfg.Journal.Enabled)
	})
}
