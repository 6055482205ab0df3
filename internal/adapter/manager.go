// Package adapter manages the lifetime of one adapter subprocess per
// orchestration run: spawn, handshake, capability-gated protocol calls,
// and teardown. The adapter is a foreign-language executable speaking
// line-delimited JSON-RPC on its stdio; this package owns the process
// handle and the rpc channel wired over its pipes.
//
// Failure handling follows two planes. An application error returned by
// the adapter fails one call and leaves the channel open. Loss of the
// channel, process exit, or a call timeout is fatal: the manager moves to
// Terminated and every further call fails fast with ErrAdapterUnavailable.
package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"testshard/internal/inventory"
	"testshard/internal/logging"
	"testshard/internal/rpc"
)

// State tracks the manager's position in the adapter lifecycle.
type State string

const (
	StateNotStarted  State = "not_started"
	StateSpawning    State = "spawning"
	StateReady       State = "ready"    // handshake done, no call in flight yet
	StateServing     State = "serving"  // at least one protocol call issued
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// Options configures one adapter subprocess.
type Options struct {
	// Path is the pre-resolved adapter executable. No shell, no PATH
	// search beyond what exec does for a bare name.
	Path string

	// Args are fixed arguments from the adapter registry.
	Args []string

	// Env holds extra KEY=VALUE pairs appended to the inherited
	// environment.
	Env []string

	// WorkDir is the adapter's working directory, normally the project
	// root. Empty means inherit.
	WorkDir string

	// RPCTimeout bounds each protocol call. A timeout is fatal.
	RPCTimeout time.Duration

	// ShutdownGrace is how long Shutdown waits after closing stdin
	// before escalating to SIGTERM.
	ShutdownGrace time.Duration

	// TermGrace is how long Shutdown waits after SIGTERM before SIGKILL.
	TermGrace time.Duration
}

// DefaultOptions returns sensible defaults for everything but Path.
func DefaultOptions() Options {
	return Options{
		RPCTimeout:    30 * time.Second,
		ShutdownGrace: 2 * time.Second,
		TermGrace:     5 * time.Second,
	}
}

// caller is the slice of rpc.Channel the manager uses. Narrowed to an
// interface so protocol tests can script responses without a subprocess.
type caller interface {
	Call(ctx context.Context, method string, params, result any) error
	Close() error
}

// Manager owns exactly one adapter subprocess.
type Manager struct {
	mu sync.RWMutex

	opts  Options
	state State

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	channel caller

	info *inventory.AdapterInfo

	stderrWG sync.WaitGroup

	// procDone closes once the process is reaped; procErr is Wait's result.
	procDone chan struct{}
	procErr  error
}

// NewManager creates a manager for the given adapter. Nothing is spawned
// until Start.
func NewManager(opts Options) *Manager {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultOptions().RPCTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultOptions().ShutdownGrace
	}
	if opts.TermGrace <= 0 {
		opts.TermGrace = DefaultOptions().TermGrace
	}
	return &Manager{
		opts:     opts,
		state:    StateNotStarted,
		procDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start spawns the adapter, wires the rpc channel over its pipes, and
// performs the get_info handshake. Spawning is not retried: any failure
// leaves the manager Terminated.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateTerminating, StateTerminated:
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot restart a terminated manager", ErrAdapterUnavailable)
	case StateSpawning, StateReady, StateServing:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.state = StateSpawning

	if m.opts.Path == "" {
		m.state = StateTerminated
		close(m.procDone)
		m.mu.Unlock()
		return &SpawnError{Path: "", Err: fmt.Errorf("empty adapter path")}
	}

	cmd := exec.Command(m.opts.Path, m.opts.Args...)
	cmd.Dir = m.opts.WorkDir
	cmd.Env = append(os.Environ(), m.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.failSpawnLocked()
		m.mu.Unlock()
		return &SpawnError{Path: m.opts.Path, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.failSpawnLocked()
		m.mu.Unlock()
		return &SpawnError{Path: m.opts.Path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.failSpawnLocked()
		m.mu.Unlock()
		return &SpawnError{Path: m.opts.Path, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		m.failSpawnLocked()
		m.mu.Unlock()
		return &SpawnError{Path: m.opts.Path, Err: err}
	}

	logging.Adapter("spawned %s (pid %d)", m.opts.Path, cmd.Process.Pid)

	channel := rpc.NewChannel(stdin, stdout)

	m.cmd = cmd
	m.stdin = stdin
	m.channel = channel

	m.stderrWG.Add(1)
	go m.relayStderr(stderr)

	// Reap only after both pipe readers are finished; calling Wait while
	// reads are outstanding would close the pipes under them.
	go func() {
		channel.Wait()
		m.stderrWG.Wait()
		err := cmd.Wait()

		m.mu.Lock()
		m.procErr = err
		if m.state != StateTerminated {
			m.state = StateTerminated
		}
		close(m.procDone)
		m.mu.Unlock()

		if err != nil {
			logging.AdapterWarn("adapter %s exited: %v", m.opts.Path, err)
		} else {
			logging.AdapterDebug("adapter %s exited cleanly", m.opts.Path)
		}
	}()
	m.mu.Unlock()

	// Handshake. A failure here is fatal and tears the process down.
	hctx, cancel := context.WithTimeout(ctx, m.opts.RPCTimeout)
	defer cancel()

	var info inventory.AdapterInfo
	if err := channel.Call(hctx, "get_info", struct{}{}, &info); err != nil {
		m.kill()
		return fmt.Errorf("get_info handshake failed: %w", err)
	}

	if info.Name == "" {
		m.kill()
		return fmt.Errorf("get_info handshake failed: adapter returned no name")
	}

	m.finishHandshake(&info)

	logging.Adapter("handshake complete: %s %s (discovery=%v filtering=%v metadata=%v)",
		info.Name, info.Version,
		info.Capabilities.Discovery, info.Capabilities.Filtering, info.Capabilities.Metadata)

	return nil
}

// failSpawnLocked marks a spawn that never produced a process.
func (m *Manager) failSpawnLocked() {
	m.state = StateTerminated
	close(m.procDone)
}

// finishHandshake records the get_info result and promotes Spawning to
// Ready. An adapter that answers and exits at once can already be reaped
// here, and the reaper's Terminated must not be overwritten. The info
// stays cached either way: the adapter did answer.
func (m *Manager) finishHandshake(info *inventory.AdapterInfo) {
	m.mu.Lock()
	m.info = info
	if m.state == StateSpawning {
		m.state = StateReady
	}
	m.mu.Unlock()
}

// Info returns the cached adapter self-description from the handshake.
func (m *Manager) Info() (inventory.AdapterInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.info == nil {
		return inventory.AdapterInfo{}, ErrNotStarted
	}
	return *m.info, nil
}

// relayStderr forwards adapter stderr lines into the category log so
// adapter-side diagnostics land next to ours.
func (m *Manager) relayStderr(r io.Reader) {
	defer m.stderrWG.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.Adapter("[stderr] %s", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logging.AdapterDebug("stderr relay ended: %v", err)
	}
}

// call runs one protocol call with the configured timeout and classifies
// the outcome: an application error is recoverable, anything else kills
// the adapter for the rest of the invocation.
func (m *Manager) call(ctx context.Context, method string, params, result any) error {
	m.mu.Lock()
	switch m.state {
	case StateNotStarted, StateSpawning:
		m.mu.Unlock()
		return ErrNotStarted
	case StateTerminating, StateTerminated:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s rejected", ErrAdapterUnavailable, method)
	case StateReady:
		m.state = StateServing
	}
	channel := m.channel
	timeout := m.opts.RPCTimeout
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := channel.Call(cctx, method, params, result)
	if err == nil {
		return nil
	}

	var appErr *rpc.Error
	if errors.As(err, &appErr) {
		// The adapter answered; the channel is intact.
		return fmt.Errorf("%s: %w", method, err)
	}

	// Channel loss, malformed frames, or timeout: fatal.
	m.markUnavailable()
	return fmt.Errorf("%w: %s failed: %w", ErrAdapterUnavailable, method, err)
}

// markUnavailable transitions to Terminated and kills the process so the
// reaper can collect it.
func (m *Manager) markUnavailable() {
	m.mu.Lock()
	if m.state == StateTerminated || m.state == StateTerminating {
		m.mu.Unlock()
		return
	}
	m.state = StateTerminated
	cmd := m.cmd
	channel := m.channel
	m.mu.Unlock()

	logging.AdapterWarn("adapter marked unavailable")
	if channel != nil {
		_ = channel.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// kill force-terminates without grace. Used when the handshake fails.
func (m *Manager) kill() {
	m.markUnavailable()
	m.mu.RLock()
	started := m.cmd != nil
	m.mu.RUnlock()
	if started {
		<-m.procDone
	}
}

// Shutdown terminates the adapter: close stdin so a well-behaved adapter
// exits on EOF, then SIGTERM, then SIGKILL. Idempotent, and always reaps
// the process before returning.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	switch m.state {
	case StateNotStarted:
		m.state = StateTerminated
		m.mu.Unlock()
		return nil
	case StateTerminated, StateTerminating:
		started := m.cmd != nil
		m.mu.Unlock()
		if started {
			<-m.procDone
		}
		return nil
	}
	m.state = StateTerminating
	cmd := m.cmd
	stdin := m.stdin
	grace := m.opts.ShutdownGrace
	termGrace := m.opts.TermGrace
	m.mu.Unlock()

	logging.Adapter("shutting down adapter (pid %d)", cmd.Process.Pid)

	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-m.procDone:
		m.finishShutdown()
		return nil
	case <-time.After(grace):
	}

	logging.AdapterWarn("adapter ignored stdin close, sending SIGTERM")
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-m.procDone:
		m.finishShutdown()
		return nil
	case <-time.After(termGrace):
	}

	logging.AdapterWarn("adapter ignored SIGTERM, sending SIGKILL")
	_ = cmd.Process.Kill()
	<-m.procDone

	m.finishShutdown()
	return nil
}

// finishShutdown closes the channel and settles the final state.
func (m *Manager) finishShutdown() {
	m.mu.Lock()
	if m.channel != nil {
		_ = m.channel.Close()
	}
	m.state = StateTerminated
	m.mu.Unlock()
}

// ExitError returns the process's Wait error once it has been reaped,
// nil for a clean exit. Before reaping it returns nil.
func (m *Manager) ExitError() error {
	select {
	case <-m.procDone:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.procErr
	default:
		return nil
	}
}
