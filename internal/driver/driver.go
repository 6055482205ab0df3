// Package driver runs one orchestration invocation end to end: spawn the
// adapter, handshake, discover the inventory, partition it, have the adapter
// build the filtered command, and execute it. The flow is strictly linear;
// there are no retries, a failed invocation is retried by invoking again.
//
// Every failure is converted into exactly one process exit code and one
// classified message on stderr. The adapter is shut down on every path.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"testshard/internal/adapter"
	"testshard/internal/inventory"
	"testshard/internal/journal"
	"testshard/internal/logging"
	"testshard/internal/rpc"
	"testshard/internal/runner"
	"testshard/internal/sharding"
)

// Exit codes are a stable contract with CI callers.
const (
	ExitOK            = 0   // all shard tests passed
	ExitTestFailures  = 1   // child ran and reported failures
	ExitOrchestration = 2   // the orchestration itself failed
	ExitEmptyShard    = 3   // valid run, nothing assigned to this shard
	ExitUsage         = 64  // command line misuse, mapped by the CLI
	ExitInterrupted   = 130 // interrupted before the child finished
)

// Mode selects how far an invocation goes.
type Mode string

const (
	// ModeRun executes the filtered command.
	ModeRun Mode = "run"

	// ModePlan stops once the command is built and reports the would-be
	// assignment without executing anything.
	ModePlan Mode = "plan"
)

// Phase tracks the driver's position in the linear flow.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseHandshakeDone Phase = "handshake_done"
	PhaseDiscovered    Phase = "discovered"
	PhaseSharded       Phase = "sharded"
	PhaseCommandBuilt  Phase = "command_built"
	PhaseExecuted      Phase = "executed"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

// errInterrupted marks a run cut short by a signal before execution.
var errInterrupted = errors.New("interrupted")

// Request carries everything one invocation needs.
type Request struct {
	Mode Mode

	// AdapterName is the registry name, for logs and the journal.
	AdapterName string

	// Adapter configures the subprocess (path, args, env, timeouts).
	Adapter adapter.Options

	// Spec names the shard this invocation is responsible for.
	Spec inventory.ShardSpec

	// Patterns and Exclude select tests in adapter-specific syntax.
	Patterns []string
	Exclude  []string

	// AdapterConfig is the opaque blob forwarded with discover_tests.
	AdapterConfig map[string]string

	// ProjectRoot anchors discovery and is the child's working directory.
	ProjectRoot string

	// OriginalCommand is the unfiltered test command (argv after --).
	OriginalCommand []string

	// CheckAdapter cross-checks the adapter's shard_tests answer against
	// the local partition. Plan mode only; the run path never consults it.
	CheckAdapter bool

	// Stdout and Stderr receive the child's streams and the plan report.
	// Nil defaults to the process's own.
	Stdout io.Writer
	Stderr io.Writer

	// Signals delivers caller-installed notifications. Before execution a
	// signal interrupts the protocol phases; during execution the channel
	// is handed to the runner, which forwards to the child.
	Signals chan os.Signal

	// Journal receives one row per run-mode invocation. Nil disables it.
	Journal *journal.Store
}

// Result is what one invocation produced.
type Result struct {
	RunID string
	Mode  Mode
	Phase Phase

	Adapter    inventory.AdapterInfo
	Discovered int
	ShardCount int
	Command    inventory.FilteredCommand
	Outcome    *runner.Outcome

	ExitCode int

	// ChildExitCode is the test command's raw status, -1 when nothing ran.
	ChildExitCode int

	Interrupted bool
	EmptyShard  bool

	// CheckNote summarizes the plan-mode adapter cross-check.
	CheckNote string

	// Failure is the classified reason when the run did not end cleanly.
	Failure string
	Err     error
}

// Driver executes one Request. Single use; create a new one per invocation.
type Driver struct {
	req   *Request
	phase Phase
	runID string

	log   *logging.RunLogger
	audit *logging.AuditLogger

	startedAt   time.Time
	interrupted atomic.Bool
}

// New prepares a driver for one invocation. Nothing runs until Run.
func New(req *Request) *Driver {
	return &Driver{
		req:   req,
		phase: PhaseInit,
		runID: journal.NewRunID(),
	}
}

// RunID returns the identifier minted for this invocation.
func (d *Driver) RunID() string {
	return d.runID
}

// Run drives the invocation to completion and returns its result. The
// returned ExitCode is final; Run never panics the process or exits it.
func (d *Driver) Run(ctx context.Context) *Result {
	d.startedAt = time.Now().UTC()
	d.log = logging.WithRunID(logging.CategoryDriver, d.runID)
	d.audit = logging.AuditWithRun(d.runID, d.req.AdapterName)

	d.audit.Stage(logging.AuditRunStart, true, 0, string(d.req.Mode))
	d.log.Info("run started: mode=%s adapter=%s shard=%s",
		d.req.Mode, d.req.AdapterName, d.req.Spec)

	res := d.run(ctx)
	res.RunID = d.runID
	res.Mode = d.req.Mode
	res.Phase = d.phase

	d.journalRun(res)
	return res
}

func (d *Driver) run(ctx context.Context) *Result {
	res := &Result{ChildExitCode: -1}

	// Validate before anything is spawned. A bad spec never costs an
	// adapter launch.
	if err := d.req.Spec.Validate(); err != nil {
		return d.fail(res, err)
	}
	if len(d.req.OriginalCommand) == 0 {
		return d.fail(res, fmt.Errorf("%w: no test command given", inventory.ErrEmptyCommand))
	}

	// A signal during the protocol phases cancels phaseCtx, which fails
	// the in-flight call; fail() then reports the interrupt. Once the
	// child starts, the untouched channel goes to the runner instead.
	phaseCtx, cancelPhases := context.WithCancel(ctx)
	defer cancelPhases()

	stopWatch := make(chan struct{})
	watchDone := make(chan struct{})
	if d.req.Signals != nil {
		go func() {
			defer close(watchDone)
			select {
			case sig := <-d.req.Signals:
				d.interrupted.Store(true)
				d.log.Warn("received %v before execution", sig)
				cancelPhases()
			case <-stopWatch:
			}
		}()
	} else {
		close(watchDone)
	}
	watchStopped := false
	stopWatching := func() {
		if watchStopped {
			return
		}
		watchStopped = true
		close(stopWatch)
		<-watchDone
	}
	defer stopWatching()

	mgr := adapter.NewManager(d.req.Adapter)
	defer func() {
		_ = mgr.Shutdown()
		d.audit.Stage(logging.AuditAdapterStop, true, 0, "")
	}()

	stageStart := time.Now()
	if err := mgr.Start(phaseCtx); err != nil {
		d.audit.StageError(logging.AuditAdapterSpawn, err)
		return d.fail(res, err)
	}
	info, err := mgr.Info()
	if err != nil {
		return d.fail(res, err)
	}
	res.Adapter = info
	d.phase = PhaseHandshakeDone
	d.audit.Stage(logging.AuditHandshake, true, time.Since(stageStart),
		fmt.Sprintf("%s %s", info.Name, info.Version))

	stageStart = time.Now()
	tests, err := mgr.Discover(phaseCtx, adapter.DiscoverRequest{
		Patterns:    d.req.Patterns,
		Exclude:     d.req.Exclude,
		ProjectRoot: d.req.ProjectRoot,
		Config:      d.req.AdapterConfig,
	})
	if err != nil {
		d.audit.StageError(logging.AuditDiscovery, err)
		return d.fail(res, err)
	}
	res.Discovered = len(tests)
	d.phase = PhaseDiscovered
	d.audit.Stage(logging.AuditDiscovery, true, time.Since(stageStart),
		fmt.Sprintf("%d tests", len(tests)))

	subset, err := sharding.Partition(tests, d.req.Spec)
	if err != nil {
		d.audit.StageError(logging.AuditPartition, err)
		return d.fail(res, err)
	}
	res.ShardCount = len(subset)
	d.phase = PhaseSharded
	d.audit.Stage(logging.AuditPartition, true, 0,
		fmt.Sprintf("shard %s: %d tests", d.req.Spec, len(subset)))
	d.log.Info("shard %s holds %d of %d tests", d.req.Spec, len(subset), len(tests))

	if d.req.Mode == ModePlan && d.req.CheckAdapter {
		res.CheckNote = d.crossCheck(phaseCtx, mgr, tests, subset)
	}

	if len(subset) == 0 {
		if d.req.Mode == ModePlan {
			d.writePlan(res, tests, subset, nil)
		} else {
			fmt.Fprintf(d.stderr(), "tshard: shard %s is empty (%d tests discovered)\n",
				d.req.Spec, len(tests))
		}
		d.log.Warn("shard %s is empty", d.req.Spec)
		res.EmptyShard = true
		res.ExitCode = ExitEmptyShard
		d.phase = PhaseDone
		d.audit.Stage(logging.AuditRunEnd, true, time.Since(d.startedAt), "empty shard")
		return res
	}

	stageStart = time.Now()
	cmd, err := mgr.FilterCommand(phaseCtx, d.req.OriginalCommand, subset, d.req.ProjectRoot)
	if err != nil {
		d.audit.StageError(logging.AuditCommandBuilt, err)
		return d.fail(res, err)
	}
	res.Command = cmd
	d.phase = PhaseCommandBuilt
	d.audit.Stage(logging.AuditCommandBuilt, true, time.Since(stageStart), cmd.String())

	if d.req.Mode == ModePlan {
		d.writePlan(res, tests, subset, &cmd)
		res.ExitCode = ExitOK
		d.phase = PhaseDone
		d.audit.Stage(logging.AuditRunEnd, true, time.Since(d.startedAt), "plan complete")
		return res
	}

	// The watcher goroutine must be gone before the runner takes the
	// channel, or the two could race for the same signal. If one arrived
	// while we were still watching, honor it now.
	stopWatching()
	if d.interrupted.Load() {
		return d.fail(res, errInterrupted)
	}

	r := runner.New(runner.Options{
		WorkDir: d.req.ProjectRoot,
		Stdout:  d.req.Stdout,
		Stderr:  d.req.Stderr,
		Signals: d.req.Signals,
	})

	stageStart = time.Now()
	outcome, err := r.Run(ctx, cmd)
	if err != nil {
		d.audit.StageError(logging.AuditExecution, err)
		return d.fail(res, err)
	}
	res.Outcome = outcome
	res.ChildExitCode = outcome.ExitCode
	res.Interrupted = outcome.Interrupted()
	d.phase = PhaseExecuted
	d.audit.Stage(logging.AuditExecution, outcome.ExitCode == 0, time.Since(stageStart),
		fmt.Sprintf("child exit %d", outcome.ExitCode))

	res.ExitCode = exitFromOutcome(outcome)
	d.phase = PhaseDone
	d.audit.Stage(logging.AuditRunEnd, res.ExitCode == ExitOK, time.Since(d.startedAt),
		fmt.Sprintf("exit %d", res.ExitCode))
	d.log.Info("run finished: exit=%d child=%d duration=%s",
		res.ExitCode, outcome.ExitCode, outcome.Duration)
	return res
}

// exitFromOutcome maps the child's fate to the orchestrator's exit code.
// An interrupted run reports the interrupt status even when the child's
// trap handler exits cleanly, so CI can tell "stopped" from "failed".
func exitFromOutcome(o *runner.Outcome) int {
	if o.Forwarded != nil {
		if sig, ok := o.Forwarded.(syscall.Signal); ok {
			return 128 + int(sig)
		}
		return ExitInterrupted
	}
	if o.Signal != 0 {
		return 128 + int(o.Signal)
	}
	if o.ExitCode != 0 {
		return ExitTestFailures
	}
	return ExitOK
}

// fail settles a run that did not reach a clean end: one classified message
// on stderr, one exit code, one run_end audit event.
func (d *Driver) fail(res *Result, err error) *Result {
	d.phase = PhaseFailed

	if d.interrupted.Load() {
		res.ExitCode = ExitInterrupted
		res.Interrupted = true
		res.Err = errInterrupted
		res.Failure = "interrupted"
		fmt.Fprintln(d.stderr(), "tshard: interrupted")
		d.log.Warn("run interrupted")
		d.audit.Stage(logging.AuditRunEnd, false, time.Since(d.startedAt), "interrupted")
		return res
	}

	class := FailureClass(err)
	res.ExitCode = ExitOrchestration
	res.Err = err
	res.Failure = fmt.Sprintf("%s: %v", class, err)
	fmt.Fprintf(d.stderr(), "tshard: %s: %v\n", class, err)
	d.log.Error("%s: %v", class, err)
	d.audit.Stage(logging.AuditRunEnd, false, time.Since(d.startedAt), res.Failure)
	return res
}

// FailureClass names the error family for the stderr prefix. Most specific
// match wins; everything here exits 2 regardless.
func FailureClass(err error) string {
	var spawnErr *adapter.SpawnError
	var capErr *adapter.CapabilityError
	var protoErr *rpc.ProtocolError
	var appErr *rpc.Error

	switch {
	case errors.Is(err, inventory.ErrInvalidShardSpec):
		return "shard spec"
	case errors.Is(err, inventory.ErrEmptyCommand):
		return "command"
	case errors.As(err, &spawnErr):
		return "spawn"
	case errors.As(err, &capErr):
		return "capability"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &appErr):
		return "adapter error"
	case errors.Is(err, adapter.ErrAdapterUnavailable):
		return "adapter"
	default:
		return "orchestration"
	}
}

// crossCheck asks the adapter for its own shard_tests answer and compares it
// against the local partition. Advisory: disagreement is reported, never
// acted on, because local computation is authoritative.
func (d *Driver) crossCheck(ctx context.Context, mgr *adapter.Manager, tests, local []inventory.TestDescriptor) string {
	remote, err := mgr.ShardRemote(ctx, tests, d.req.Spec)
	if err != nil {
		logging.DriverWarn("shard_tests cross-check unavailable: %v", err)
		return fmt.Sprintf("unavailable (%v)", err)
	}

	want := inventory.IDs(local)
	got := inventory.IDs(sharding.Canonicalize(remote))
	if slices.Equal(want, got) {
		return "match"
	}
	logging.DriverWarn("adapter shard_tests disagrees with local partition: local=%v adapter=%v", want, got)
	return fmt.Sprintf("MISMATCH (local %d tests, adapter %d tests)", len(want), len(got))
}

// writePlan prints the plan-mode report: the full assignment, this shard's
// tests, and the command that would run. cmd is nil for an empty shard.
func (d *Driver) writePlan(res *Result, tests, subset []inventory.TestDescriptor, cmd *inventory.FilteredCommand) {
	w := d.stdout()

	fmt.Fprintf(w, "Adapter:    %s %s\n", res.Adapter.Name, res.Adapter.Version)
	if d.req.ProjectRoot != "" {
		fmt.Fprintf(w, "Project:    %s\n", d.req.ProjectRoot)
	}
	fmt.Fprintf(w, "Strategy:   %s\n", d.req.Spec.Strategy)
	fmt.Fprintf(w, "Discovered: %d tests\n\n", len(tests))

	assignment, err := sharding.PartitionAll(tests, d.req.Spec.Total, d.req.Spec.Strategy)
	if err == nil {
		for i, shard := range assignment {
			marker := " "
			if i+1 == d.req.Spec.Index {
				marker = "*"
			}
			fmt.Fprintf(w, "%s shard %d/%d: %d tests\n", marker, i+1, d.req.Spec.Total, len(shard))
		}
	}

	fmt.Fprintf(w, "\nShard %d tests:\n", d.req.Spec.Index)
	if len(subset) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, t := range subset {
		loc := t.Source.File
		if t.Source.Line > 0 {
			loc = fmt.Sprintf("%s:%d", loc, t.Source.Line)
		}
		fmt.Fprintf(w, "  %-32s %s\n", t.ID, loc)
	}

	if res.CheckNote != "" {
		fmt.Fprintf(w, "\nAdapter cross-check: %s\n", res.CheckNote)
	}

	if cmd != nil {
		fmt.Fprintf(w, "\nCommand: %s\n", cmd.String())
		if len(cmd.Env) > 0 {
			keys := make([]string, 0, len(cmd.Env))
			for k := range cmd.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, fmt.Sprintf("%s=%s", k, cmd.Env[k]))
			}
			fmt.Fprintf(w, "Env:     %s\n", strings.Join(pairs, " "))
		}
	}
}

// journalRun records the run best-effort. Plan invocations are not
// journaled; history answers "what ran", and a plan runs nothing.
func (d *Driver) journalRun(res *Result) {
	if d.req.Mode != ModeRun || d.req.Journal == nil {
		return
	}

	rec := &journal.Record{
		RunID:      d.runID,
		StartedAt:  d.startedAt,
		FinishedAt: time.Now().UTC(),

		AdapterName:    res.Adapter.Name,
		AdapterVersion: res.Adapter.Version,
		AdapterPath:    d.req.Adapter.Path,
		ProjectRoot:    d.req.ProjectRoot,

		ShardIndex: d.req.Spec.Index,
		ShardTotal: d.req.Spec.Total,
		Strategy:   string(d.req.Spec.Strategy),

		DiscoveredCount: res.Discovered,
		ShardCount:      res.ShardCount,

		Command:       res.Command.Argv,
		ExitCode:      res.ExitCode,
		ChildExitCode: res.ChildExitCode,
		DurationMs:    time.Since(d.startedAt).Milliseconds(),
		Interrupted:   res.Interrupted,
		Failure:       res.Failure,
	}
	if rec.AdapterName == "" {
		rec.AdapterName = d.req.AdapterName
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.req.Journal.Append(ctx, rec); err != nil {
		logging.JournalWarn("journal append failed: %v", err)
	}
}

func (d *Driver) stdout() io.Writer {
	if d.req.Stdout != nil {
		return d.req.Stdout
	}
	return os.Stdout
}

func (d *Driver) stderr() io.Writer {
	if d.req.Stderr != nil {
		return d.req.Stderr
	}
	return os.Stderr
}
