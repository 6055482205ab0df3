// Package runner executes the filtered test command as a child process.
// Output is streamed through unbuffered so interactive test UIs and CI log
// tailing behave as if the command had been run by hand. The runner never
// interprets the child's output; pass/fail is carried entirely by the exit
// code.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"testshard/internal/inventory"
	"testshard/internal/logging"
)

// Options configures execution of filtered commands.
type Options struct {
	// WorkDir is the child's working directory, normally the project root.
	// Empty means inherit.
	WorkDir string

	// Stdout and Stderr receive the child's output streams. Nil means the
	// orchestrator's own stdout and stderr.
	Stdout io.Writer
	Stderr io.Writer

	// Signals delivers interrupts to relay. The first signal received is
	// forwarded to the child so its framework can tear down and report;
	// the second kills the child outright. Nil disables relaying. The
	// caller owns the signal.Notify registration.
	Signals <-chan os.Signal
}

// Outcome describes how the child process ended.
type Outcome struct {
	// ExitCode is the child's exit status, -1 when it died to a signal.
	ExitCode int

	// Signal is the signal that killed the child, 0 for a normal exit.
	Signal syscall.Signal

	// Forwarded is the first signal relayed to the child, nil if none was.
	Forwarded os.Signal

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Interrupted reports whether a relayed signal ended the run.
func (o *Outcome) Interrupted() bool {
	return o.Forwarded != nil
}

// Runner executes one filtered command at a time.
type Runner struct {
	opts Options
}

// New creates a runner. Nil writers default to the process's own streams.
func New(opts Options) *Runner {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Runner{opts: opts}
}

// Run starts the command and blocks until it exits. A non-zero exit or
// signal death is reported through the Outcome, not the error; the error is
// reserved for failures to execute at all (missing binary, bad working
// directory, pipe trouble).
func (r *Runner) Run(ctx context.Context, cmd inventory.FilteredCommand) (*Outcome, error) {
	if len(cmd.Argv) == 0 {
		return nil, inventory.ErrEmptyCommand
	}

	timer := logging.StartTimer(logging.CategoryRunner, "test command")
	defer timer.Stop()
	logging.Runner("executing: %s", cmd.String())

	child := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	child.Dir = r.opts.WorkDir
	child.Env = buildEnvironment(cmd.Env)

	stdout, err := child.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := child.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	outcome := &Outcome{ExitCode: -1, StartedAt: time.Now()}

	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Argv[0], err)
	}
	logging.RunnerDebug("child started (pid %d)", child.Process.Pid)

	// Pump both streams as the child produces them. Wait must not run
	// until the pipes are drained, or it closes them mid-read.
	var eg errgroup.Group
	eg.Go(func() error {
		_, err := io.Copy(r.opts.Stdout, stdout)
		return err
	})
	eg.Go(func() error {
		_, err := io.Copy(r.opts.Stderr, stderr)
		return err
	})

	relayDone := make(chan struct{})
	var relayWG sync.WaitGroup
	if r.opts.Signals != nil {
		relayWG.Add(1)
		go r.relaySignals(child, outcome, relayDone, &relayWG)
	}

	pumpErr := eg.Wait()
	waitErr := child.Wait()

	close(relayDone)
	relayWG.Wait()

	outcome.FinishedAt = time.Now()
	outcome.Duration = outcome.FinishedAt.Sub(outcome.StartedAt)

	if waitErr == nil {
		outcome.ExitCode = 0
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		outcome.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			outcome.Signal = status.Signal()
			logging.RunnerWarn("child killed by %v after %s", outcome.Signal, outcome.Duration)
		}
	} else {
		return nil, fmt.Errorf("wait for %s: %w", cmd.Argv[0], waitErr)
	}

	if pumpErr != nil {
		logging.RunnerWarn("output stream ended early: %v", pumpErr)
	}
	if outcome.Signal == 0 {
		logging.Runner("child exited %d after %s", outcome.ExitCode, outcome.Duration)
	}

	return outcome, nil
}

// relaySignals forwards the first interrupt to the child and kills it on
// the second. It stops once the child has been reaped.
func (r *Runner) relaySignals(child *exec.Cmd, outcome *Outcome, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	select {
	case sig, ok := <-r.opts.Signals:
		if !ok {
			return
		}
		outcome.Forwarded = sig
		logging.RunnerWarn("forwarding %v to child (pid %d)", sig, child.Process.Pid)
		_ = child.Process.Signal(sig)
	case <-done:
		return
	}

	select {
	case _, ok := <-r.opts.Signals:
		if !ok {
			return
		}
		logging.RunnerWarn("second interrupt, killing child (pid %d)", child.Process.Pid)
		_ = child.Process.Kill()
	case <-done:
	}
}

// buildEnvironment layers the adapter's overrides on the inherited
// environment. Inherited variables are never dropped; on a key collision
// the override wins because exec keeps the last occurrence.
func buildEnvironment(overrides map[string]string) []string {
	env := os.Environ()
	if len(overrides) == 0 {
		return env
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return env
}
