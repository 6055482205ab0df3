// Package inventory defines the data model shared by every stage of an
// orchestration run: test descriptors as reported by adapters, adapter
// identity and capabilities, shard specifications, and the filtered
// command handed to the executor.
//
// All types here are value objects. Descriptors are immutable once an
// adapter produces them; the orchestrator only reorders and subsets
// collections, it never rewrites fields.
package inventory

import (
	"fmt"
	"sort"
	"strings"
)

// Strategy selects the partitioning algorithm.
type Strategy string

const (
	// StrategyRoundRobin assigns canonical position p to shard (p mod total)+1.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategySequential assigns contiguous blocks of canonical positions.
	StrategySequential Strategy = "sequential"
)

// ParseStrategy converts a user-supplied string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyRoundRobin:
		return StrategyRoundRobin, nil
	case StrategySequential:
		return StrategySequential, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q (valid: %s, %s)",
			ErrInvalidShardSpec, s, StrategyRoundRobin, StrategySequential)
	}
}

// SourceLocation points at where a test is defined, relative to the
// project root.
type SourceLocation struct {
	// File is the path of the defining file, relative to the project root.
	File string `json:"file"`

	// Line is the 1-based line number, zero when the adapter cannot tell.
	Line int `json:"line,omitempty"`
}

// TestMetadata carries optional adapter-provided hints. The core never
// interprets these beyond passing them through.
type TestMetadata struct {
	// Tags are free-form labels (e.g. "slow", "integration").
	Tags []string `json:"tags,omitempty"`

	// Annotations are adapter-specific key-value pairs.
	Annotations map[string]string `json:"annotations,omitempty"`

	// EstimatedDurationMs is an optional duration hint. Reserved for
	// timing-aware strategies; the current strategies ignore it.
	EstimatedDurationMs int64 `json:"estimated_duration_ms,omitempty"`
}

// TestDescriptor identifies one runnable test.
type TestDescriptor struct {
	// ID is unique within a discovery run and opaque to the core.
	// Sorting by ID defines the canonical order.
	ID string `json:"id"`

	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name"`

	// Source is where the test is defined.
	Source SourceLocation `json:"source"`

	// Metadata carries optional hints.
	Metadata *TestMetadata `json:"metadata,omitempty"`
}

// SortByID sorts descriptors into canonical order: ascending, lexicographic
// by ID. The sort is stable so duplicate IDs (an adapter bug, but tolerated)
// keep their relative discovery order.
func SortByID(tests []TestDescriptor) {
	sort.SliceStable(tests, func(i, j int) bool {
		return tests[i].ID < tests[j].ID
	})
}

// IDs returns the descriptor IDs in slice order.
func IDs(tests []TestDescriptor) []string {
	out := make([]string, len(tests))
	for i, t := range tests {
		out[i] = t.ID
	}
	return out
}

// Capabilities declares which optional protocol methods an adapter supports.
// The orchestrator must not invoke a method whose capability is false.
type Capabilities struct {
	// Discovery indicates discover_tests is implemented.
	Discovery bool `json:"discovery"`

	// Filtering indicates filter_command is implemented.
	Filtering bool `json:"filtering"`

	// Metadata indicates descriptors carry populated metadata.
	Metadata bool `json:"metadata"`
}

// AdapterInfo is the adapter's self-description, fetched once per invocation
// via the get_info handshake and cached for the invocation's lifetime.
type AdapterInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`

	Capabilities Capabilities `json:"capabilities"`

	// PatternExamples documents the pattern syntax this adapter accepts.
	PatternExamples []string `json:"pattern_examples,omitempty"`
}

// ShardSpec names one shard out of a partitioning.
type ShardSpec struct {
	// Index is 1-based.
	Index int `json:"index"`

	// Total is the number of shards, at least 1.
	Total int `json:"total"`

	// Strategy selects the partitioning algorithm.
	Strategy Strategy `json:"strategy"`
}

// Validate checks the shard invariants. It runs before any subprocess is
// spawned so a bad spec never costs an adapter launch.
func (s ShardSpec) Validate() error {
	if s.Total < 1 {
		return fmt.Errorf("%w: total must be >= 1, got %d", ErrInvalidShardSpec, s.Total)
	}
	if s.Index < 1 || s.Index > s.Total {
		return fmt.Errorf("%w: index must satisfy 1 <= index <= total, got index=%d total=%d",
			ErrInvalidShardSpec, s.Index, s.Total)
	}
	if _, err := ParseStrategy(string(s.Strategy)); err != nil {
		return err
	}
	return nil
}

// String renders the spec in the conventional index/total form.
func (s ShardSpec) String() string {
	return fmt.Sprintf("%d/%d (%s)", s.Index, s.Total, s.Strategy)
}

// FilteredCommand is the adapter-built command that runs exactly the tests
// of one shard. Opaque to the core beyond execution.
type FilteredCommand struct {
	// Argv is the executable followed by its arguments.
	Argv []string `json:"command"`

	// Env maps environment-variable overrides layered on the inherited
	// environment. Overrides win; inherited variables are never dropped.
	Env map[string]string `json:"environment,omitempty"`
}

// String renders the argv for display and logging.
func (c FilteredCommand) String() string {
	return strings.Join(c.Argv, " ")
}
