package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testshard/internal/inventory"
	"testshard/internal/rpc"
)

// stubCaller scripts channel responses so manager behavior can be tested
// without spawning a subprocess.
type stubCaller struct {
	mu      sync.Mutex
	calls   []string
	closed  bool
	handler func(method string, params, result any) error
}

func (s *stubCaller) Call(_ context.Context, method string, params, result any) error {
	s.mu.Lock()
	s.calls = append(s.calls, method)
	s.mu.Unlock()
	return s.handler(method, params, result)
}

func (s *stubCaller) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubCaller) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// respondJSON builds a handler that answers every call by decoding raw
// into the result.
func respondJSON(raw string) func(method string, params, result any) error {
	return func(_ string, _, result any) error {
		return json.Unmarshal([]byte(raw), result)
	}
}

// readyManager builds a manager in the post-handshake state backed by the
// stub, skipping spawn entirely.
func readyManager(handler func(method string, params, result any) error, caps inventory.Capabilities) (*Manager, *stubCaller) {
	stub := &stubCaller{handler: handler}
	m := &Manager{
		opts:     DefaultOptions(),
		state:    StateReady,
		channel:  stub,
		procDone: make(chan struct{}),
		info: &inventory.AdapterInfo{
			Name:         "stub",
			Version:      "1.0.0",
			Capabilities: caps,
		},
	}
	return m, stub
}

func allCaps() inventory.Capabilities {
	return inventory.Capabilities{Discovery: true, Filtering: true, Metadata: true}
}

func TestCallBeforeStart(t *testing.T) {
	m := NewManager(Options{Path: "/bin/true"})

	_, err := m.Info()
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = m.Discover(context.Background(), DiscoverRequest{})
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = m.FilterCommand(context.Background(), []string{"pytest"}, nil, ".")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStartEmptyPath(t *testing.T) {
	m := NewManager(Options{})

	err := m.Start(context.Background())
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, StateTerminated, m.State())

	// Shutdown after a failed spawn must not hang.
	require.NoError(t, m.Shutdown())
}

func TestStartNonexistentPath(t *testing.T) {
	m := NewManager(Options{Path: "/nonexistent/testshard-fake-adapter"})

	err := m.Start(context.Background())
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/testshard-fake-adapter", spawnErr.Path)
	assert.Equal(t, StateTerminated, m.State())

	require.NoError(t, m.Shutdown())
}

func TestStartTwice(t *testing.T) {
	m, _ := readyManager(respondJSON(`{}`), allCaps())

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestApplicationErrorIsRecoverable(t *testing.T) {
	fail := true
	handler := func(_ string, _, result any) error {
		if fail {
			fail = false
			return &rpc.Error{Code: -32050, Message: "discovery backend busy"}
		}
		return json.Unmarshal([]byte(`{"tests":[{"id":"t1","display_name":"t1","source":{"file":"a_test.py"}}],"total_count":1}`), result)
	}
	m, stub := readyManager(handler, allCaps())

	_, err := m.Discover(context.Background(), DiscoverRequest{})
	require.Error(t, err)
	var appErr *rpc.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, -32050, appErr.Code)
	assert.True(t, appErr.IsAdapterDefined())
	assert.NotErrorIs(t, err, ErrAdapterUnavailable)

	// The channel survived; the retry goes through.
	tests, err := m.Discover(context.Background(), DiscoverRequest{})
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "t1", tests[0].ID)
	assert.Equal(t, 2, stub.callCount())
	assert.Equal(t, StateServing, m.State())
}

func TestChannelLossIsFatal(t *testing.T) {
	handler := func(_ string, _, _ any) error {
		return rpc.ErrChannelClosed
	}
	m, stub := readyManager(handler, allCaps())

	_, err := m.Discover(context.Background(), DiscoverRequest{})
	require.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.Equal(t, StateTerminated, m.State())
	assert.True(t, stub.closed)

	// Every later call fails fast without touching the channel.
	_, err = m.Discover(context.Background(), DiscoverRequest{})
	require.ErrorIs(t, err, ErrAdapterUnavailable)
	_, err = m.FilterCommand(context.Background(), []string{"pytest"}, nil, ".")
	require.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.Equal(t, 1, stub.callCount())
}

func TestProtocolErrorIsFatal(t *testing.T) {
	handler := func(_ string, _, _ any) error {
		return &rpc.ProtocolError{Reason: "malformed frame"}
	}
	m, _ := readyManager(handler, allCaps())

	_, err := m.Discover(context.Background(), DiscoverRequest{})
	require.ErrorIs(t, err, ErrAdapterUnavailable)
	var protoErr *rpc.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
	assert.Equal(t, StateTerminated, m.State())
}

func TestDiscoverCapabilityGate(t *testing.T) {
	m, stub := readyManager(respondJSON(`{}`), inventory.Capabilities{Discovery: false, Filtering: true})

	_, err := m.Discover(context.Background(), DiscoverRequest{})
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "discover_tests", capErr.Method)
	assert.Equal(t, "discovery", capErr.Capability)
	assert.Zero(t, stub.callCount(), "gated call must not reach the wire")
}

func TestFilterCommandCapabilityGate(t *testing.T) {
	m, stub := readyManager(respondJSON(`{}`), inventory.Capabilities{Discovery: true, Filtering: false})

	_, err := m.FilterCommand(context.Background(), []string{"pytest"}, nil, ".")
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "filter_command", capErr.Method)
	assert.Equal(t, "filtering", capErr.Capability)
	assert.Zero(t, stub.callCount())
}

func TestDiscoverReturnsCanonicalOrder(t *testing.T) {
	raw := `{"tests":[
		{"id":"zeta","display_name":"zeta","source":{"file":"z_test.py"}},
		{"id":"alpha","display_name":"alpha","source":{"file":"a_test.py"}},
		{"id":"mid","display_name":"mid","source":{"file":"m_test.py"}}
	],"total_count":3}`
	m, _ := readyManager(respondJSON(raw), allCaps())

	tests, err := m.Discover(context.Background(), DiscoverRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, inventory.IDs(tests))
}

func TestDiscoverNormalizesNilParams(t *testing.T) {
	var captured DiscoverRequest
	handler := func(_ string, params, result any) error {
		captured = params.(DiscoverRequest)
		return json.Unmarshal([]byte(`{"tests":[],"total_count":0}`), result)
	}
	m, _ := readyManager(handler, allCaps())

	_, err := m.Discover(context.Background(), DiscoverRequest{ProjectRoot: "/proj"})
	require.NoError(t, err)
	assert.NotNil(t, captured.Patterns)
	assert.NotNil(t, captured.Exclude)
	assert.NotNil(t, captured.Config)
	assert.Equal(t, "/proj", captured.ProjectRoot)
}

func TestFilterCommandRejectsEmptyInput(t *testing.T) {
	m, stub := readyManager(respondJSON(`{}`), allCaps())

	_, err := m.FilterCommand(context.Background(), nil, nil, ".")
	require.ErrorIs(t, err, inventory.ErrEmptyCommand)
	assert.Zero(t, stub.callCount())
}

func TestFilterCommandRejectsEmptyResult(t *testing.T) {
	m, _ := readyManager(respondJSON(`{"command":[]}`), allCaps())

	_, err := m.FilterCommand(context.Background(), []string{"pytest"}, nil, ".")
	require.ErrorIs(t, err, inventory.ErrEmptyCommand)
}

func TestFilterCommandDecodesEnvironment(t *testing.T) {
	raw := `{"command":["pytest","-q","a_test.py::test_a"],"environment":{"PYTEST_SHARD":"1"}}`
	m, _ := readyManager(respondJSON(raw), allCaps())

	cmd, err := m.FilterCommand(context.Background(), []string{"pytest", "-q"}, nil, ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"pytest", "-q", "a_test.py::test_a"}, cmd.Argv)
	assert.Equal(t, map[string]string{"PYTEST_SHARD": "1"}, cmd.Env)
}

func TestShardRemoteValidatesSpec(t *testing.T) {
	m, stub := readyManager(respondJSON(`{}`), allCaps())

	_, err := m.ShardRemote(context.Background(), nil, inventory.ShardSpec{Index: 5, Total: 2, Strategy: inventory.StrategyRoundRobin})
	require.ErrorIs(t, err, inventory.ErrInvalidShardSpec)
	assert.Zero(t, stub.callCount())
}

func TestShardRemoteRoundTrip(t *testing.T) {
	var captured shardParams
	raw := `{"tests":[{"id":"t2","display_name":"t2","source":{"file":"b_test.py"}}],"shard_index":2,"shard_total":4,"test_count":1}`
	handler := func(_ string, params, result any) error {
		captured = params.(shardParams)
		return json.Unmarshal([]byte(raw), result)
	}
	m, _ := readyManager(handler, allCaps())

	spec := inventory.ShardSpec{Index: 2, Total: 4, Strategy: inventory.StrategyRoundRobin}
	tests, err := m.ShardRemote(context.Background(), []inventory.TestDescriptor{{ID: "t1"}, {ID: "t2"}}, spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, inventory.IDs(tests))
	assert.Equal(t, 2, captured.ShardIndex)
	assert.Equal(t, 4, captured.ShardTotal)
	assert.Equal(t, inventory.StrategyRoundRobin, captured.Strategy)
}

func TestShutdownBeforeStart(t *testing.T) {
	m := NewManager(Options{Path: "/bin/true"})

	require.NoError(t, m.Shutdown())
	assert.Equal(t, StateTerminated, m.State())
	require.NoError(t, m.Shutdown())

	// A terminated manager is spent, not "already started".
	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.NotErrorIs(t, err, ErrAlreadyStarted)
	assert.Contains(t, err.Error(), "terminated")
}

func TestFinishHandshakePromotesSpawning(t *testing.T) {
	m := &Manager{opts: DefaultOptions(), state: StateSpawning, procDone: make(chan struct{})}

	m.finishHandshake(&inventory.AdapterInfo{Name: "stub", Version: "1.0.0"})

	assert.Equal(t, StateReady, m.State())
	info, err := m.Info()
	require.NoError(t, err)
	assert.Equal(t, "stub", info.Name)
}

func TestFinishHandshakeDoesNotReviveTerminated(t *testing.T) {
	// An adapter that answers get_info and exits at once can be reaped
	// before the handshake result is recorded.
	m := &Manager{opts: DefaultOptions(), state: StateTerminated, procDone: make(chan struct{})}

	m.finishHandshake(&inventory.AdapterInfo{Name: "stub", Version: "1.0.0"})

	assert.Equal(t, StateTerminated, m.State())
	info, err := m.Info()
	require.NoError(t, err)
	assert.Equal(t, "stub", info.Name)
}

func TestExitErrorBeforeReap(t *testing.T) {
	m, _ := readyManager(respondJSON(`{}`), allCaps())
	assert.NoError(t, m.ExitError())
}

func TestCallAfterTerminated(t *testing.T) {
	m, stub := readyManager(respondJSON(`{}`), allCaps())
	m.mu.Lock()
	m.state = StateTerminated
	m.mu.Unlock()

	err := m.call(context.Background(), "discover_tests", struct{}{}, &struct{}{})
	require.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.Zero(t, stub.callCount())
}

func TestSpawnErrorUnwrap(t *testing.T) {
	inner := errors.New("permission denied")
	err := &SpawnError{Path: "/opt/adapter", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "/opt/adapter")
}
