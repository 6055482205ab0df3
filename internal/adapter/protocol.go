package adapter

import (
	"context"
	"fmt"

	"testshard/internal/inventory"
	"testshard/internal/logging"
)

// DiscoverRequest carries the discover_tests parameters.
type DiscoverRequest struct {
	// Patterns select tests in adapter-specific syntax. Empty means all.
	Patterns []string `json:"patterns"`

	// Exclude removes tests matched by Patterns.
	Exclude []string `json:"exclude"`

	// ProjectRoot anchors relative paths in descriptors.
	ProjectRoot string `json:"project_root"`

	// Config is an opaque adapter-specific configuration blob.
	Config map[string]string `json:"config"`
}

type discoverResult struct {
	Tests      []inventory.TestDescriptor `json:"tests"`
	TotalCount int                        `json:"total_count"`
}

type shardParams struct {
	Tests      []inventory.TestDescriptor `json:"tests"`
	ShardIndex int                        `json:"shard_index"`
	ShardTotal int                        `json:"shard_total"`
	Strategy   inventory.Strategy         `json:"strategy"`
}

type shardResult struct {
	Tests      []inventory.TestDescriptor `json:"tests"`
	ShardIndex int                        `json:"shard_index"`
	ShardTotal int                        `json:"shard_total"`
	TestCount  int                        `json:"test_count"`
}

type filterParams struct {
	OriginalCommand []string                   `json:"original_command"`
	Tests           []inventory.TestDescriptor `json:"tests"`
	ProjectRoot     string                     `json:"project_root"`
}

// Discover asks the adapter to enumerate the tests selected by req.
// The result is returned in canonical order regardless of the order the
// adapter produced it in.
func (m *Manager) Discover(ctx context.Context, req DiscoverRequest) ([]inventory.TestDescriptor, error) {
	info, err := m.Info()
	if err != nil {
		return nil, err
	}
	if !info.Capabilities.Discovery {
		return nil, &CapabilityError{Method: "discover_tests", Capability: "discovery"}
	}

	if req.Patterns == nil {
		req.Patterns = []string{}
	}
	if req.Exclude == nil {
		req.Exclude = []string{}
	}
	if req.Config == nil {
		req.Config = map[string]string{}
	}

	timer := logging.StartTimer(logging.CategoryAdapter, "discover_tests")
	var result discoverResult
	if err := m.call(ctx, "discover_tests", req, &result); err != nil {
		return nil, err
	}
	timer.Stop()

	if result.TotalCount != len(result.Tests) {
		logging.AdapterWarn("discover_tests total_count=%d disagrees with %d returned tests",
			result.TotalCount, len(result.Tests))
	}

	inventory.SortByID(result.Tests)
	logging.Adapter("discovered %d tests", len(result.Tests))
	return result.Tests, nil
}

// ShardRemote asks the adapter for its own opinion of a shard's membership.
// Advisory only: the orchestrator always computes shard membership locally,
// and uses this solely to cross-check adapters that implement shard_tests.
func (m *Manager) ShardRemote(ctx context.Context, tests []inventory.TestDescriptor, spec inventory.ShardSpec) ([]inventory.TestDescriptor, error) {
	if _, err := m.Info(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	params := shardParams{
		Tests:      tests,
		ShardIndex: spec.Index,
		ShardTotal: spec.Total,
		Strategy:   spec.Strategy,
	}
	var result shardResult
	if err := m.call(ctx, "shard_tests", params, &result); err != nil {
		return nil, err
	}

	if result.TestCount != len(result.Tests) {
		logging.AdapterWarn("shard_tests test_count=%d disagrees with %d returned tests",
			result.TestCount, len(result.Tests))
	}

	return result.Tests, nil
}

// FilterCommand asks the adapter to turn the original test command into one
// that runs exactly the given tests.
func (m *Manager) FilterCommand(ctx context.Context, originalCommand []string, tests []inventory.TestDescriptor, projectRoot string) (inventory.FilteredCommand, error) {
	info, err := m.Info()
	if err != nil {
		return inventory.FilteredCommand{}, err
	}
	if !info.Capabilities.Filtering {
		return inventory.FilteredCommand{}, &CapabilityError{Method: "filter_command", Capability: "filtering"}
	}
	if len(originalCommand) == 0 {
		return inventory.FilteredCommand{}, fmt.Errorf("%w: original command required", inventory.ErrEmptyCommand)
	}

	params := filterParams{
		OriginalCommand: originalCommand,
		Tests:           tests,
		ProjectRoot:     projectRoot,
	}
	var cmd inventory.FilteredCommand
	if err := m.call(ctx, "filter_command", params, &cmd); err != nil {
		return inventory.FilteredCommand{}, err
	}

	if len(cmd.Argv) == 0 {
		return inventory.FilteredCommand{}, fmt.Errorf("%w: adapter returned empty command", inventory.ErrEmptyCommand)
	}

	logging.Adapter("filter_command built: %s", cmd.String())
	return cmd, nil
}
