// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ngocp-0847/explain-source/lib/clock"
)

// stderrTail is how many trailing stderr lines an ExitError keeps.
const stderrTail = 10

// RunnerConfig holds the parameters for NewRunner.
type RunnerConfig struct {
	// Driver is the agent to run. Required.
	Driver Driver

	// Clock drives attempt timeouts. Required.
	Clock clock.Clock

	// Logger receives attempt lifecycle and stderr lines. Nil discards.
	Logger *slog.Logger
}

// Runner supervises agent processes for one Driver. A Runner is safe
// for concurrent use; each Start is independent.
type Runner struct {
	driver Driver
	clock  clock.Clock
	logger *slog.Logger
}

// NewRunner validates config and returns a Runner.
func NewRunner(config RunnerConfig) (*Runner, error) {
	if config.Driver == nil {
		return nil, errors.New("agentdriver: Driver is required")
	}
	if config.Clock == nil {
		return nil, errors.New("agentdriver: Clock is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		driver: config.Driver,
		clock:  config.Clock,
		logger: logger.With("agent", config.Driver.Name()),
	}, nil
}

// Driver returns the runner's driver.
func (r *Runner) Driver() Driver { return r.driver }

// Request describes one analysis run.
type Request struct {
	// Prompt is passed to the agent as its task.
	Prompt string

	// WorkingDirectory overrides the driver's configured directory.
	WorkingDirectory string

	// IsFinal, when set, is called on every line before it is
	// delivered. A true result marks the line as the run's answer and
	// suppresses further attempts, exactly like SuppressRetry but
	// without racing the consumer.
	IsFinal func(line string) bool
}

// Line is one event line of agent output.
type Line struct {
	Text string

	// Attempt is the 1-based attempt that produced the line.
	Attempt int
}

// Outcome is how a stream ended.
type Outcome struct {
	// Err is nil on success. Otherwise one of the package's sentinel
	// or typed errors, possibly wrapped.
	Err error

	// Attempts is the number of processes spawned.
	Attempts int
}

// Stream is one run of an agent. Lines is closed once, after the last
// attempt ends; Wait then returns immediately.
type Stream struct {
	lines      chan Line
	cancelled  chan struct{}
	cancelOnce sync.Once
	suppressed atomic.Bool
	done       chan struct{}
	outcome    Outcome
}

// Lines delivers event lines in emission order.
func (s *Stream) Lines() <-chan Line { return s.lines }

// Cancel kills the running attempt and prevents further attempts.
// Safe to call concurrently and more than once. Lines already
// delivered are unaffected.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

// SuppressRetry marks the run as having produced its answer: a failing
// exit of the current attempt no longer triggers another attempt.
func (s *Stream) SuppressRetry() { s.suppressed.Store(true) }

// Done is closed when the stream has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the stream ends and returns its outcome. The
// caller must keep draining Lines or Wait may never return.
func (s *Stream) Wait() Outcome {
	<-s.done
	return s.outcome
}

func (s *Stream) isCancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// Start resolves the executable and working directory, then runs the
// agent in the background. Resolution failures are returned here and
// never retried. Cancelling ctx has the same effect as Stream.Cancel.
func (r *Runner) Start(ctx context.Context, request Request) (*Stream, error) {
	settings := r.driver.Settings()
	executable, err := resolveExecutable(settings.Executable)
	if err != nil {
		return nil, err
	}
	directory := request.WorkingDirectory
	if directory == "" {
		directory = settings.WorkingDirectory
	}
	if err := checkDirectory(directory); err != nil {
		return nil, err
	}

	stream := &Stream{
		lines:     make(chan Line, 64),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.run(ctx, stream, executable, directory, request)
	return stream, nil
}

func (r *Runner) run(ctx context.Context, stream *Stream, executable, directory string, request Request) {
	defer close(stream.done)
	defer close(stream.lines)

	settings := r.driver.Settings()
	attempts := settings.Attempts()
	invocation := r.driver.Command(request.Prompt)

	for attempt := 1; attempt <= attempts; attempt++ {
		if stream.isCancelled() || ctx.Err() != nil {
			stream.outcome.Err = ErrCancelled
			return
		}
		stream.outcome.Attempts = attempt
		logger := r.logger.With("attempt", attempt, "max_attempts", attempts)
		logger.Info("starting agent attempt", "executable", executable, "working_directory", directory)

		err := r.runAttempt(ctx, stream, attempt, executable, directory, invocation, request.IsFinal, logger)
		stream.outcome.Err = err
		if err == nil {
			logger.Info("agent attempt succeeded")
			return
		}
		if !IsRetryable(err) {
			logger.Warn("agent attempt failed terminally", "error", err)
			return
		}
		if stream.suppressed.Load() {
			logger.Info("agent attempt failed after producing a result, not retrying", "error", err)
			return
		}
		logger.Warn("agent attempt failed", "error", err)
	}
}

// Termination reasons recorded by the attempt watcher.
const (
	reasonNone int32 = iota
	reasonCancelled
	reasonTimeout
)

func (r *Runner) runAttempt(ctx context.Context, stream *Stream, attempt int, executable, directory string, invocation Invocation, isFinal func(string) bool, logger *slog.Logger) error {
	proc, err := spawn(executable, invocation, directory)
	if err != nil {
		return err
	}

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	// The watcher owns kill: cancel, timeout, and parent context all
	// end here so there is one termination path.
	var reason atomic.Int32
	exited := make(chan struct{})
	watcherDone := make(chan struct{})
	timeout := r.driver.Settings().Timeout
	var timer <-chan struct{}
	if timeout > 0 {
		fired := make(chan struct{})
		deadline := r.clock.After(timeout)
		go func() {
			select {
			case <-deadline:
				close(fired)
			case <-exited:
			}
		}()
		timer = fired
	}
	go func() {
		defer close(watcherDone)
		select {
		case <-exited:
			return
		case <-stream.cancelled:
			reason.Store(reasonCancelled)
		case <-ctx.Done():
			reason.Store(reasonCancelled)
		case <-timer:
			reason.Store(reasonTimeout)
		}
		cancelAttempt()
		if err := proc.kill(); err != nil {
			logger.Warn("killing agent", "error", err)
		}
	}()

	var (
		stderrMutex  sync.Mutex
		stderrLines  []string
		stderrFailed error
		stderrDone   = make(chan struct{})
	)
	go func() {
		defer close(stderrDone)
		err := scanLines(context.Background(), proc.stderr, func(line string) bool {
			logger.Warn("agent stderr", "line", line)
			stderrMutex.Lock()
			defer stderrMutex.Unlock()
			stderrLines = append(stderrLines, line)
			if len(stderrLines) > stderrTail {
				stderrLines = stderrLines[1:]
			}
			if stderrFailed == nil {
				stderrFailed = r.driver.InspectStderr(line)
			}
			return true
		})
		if err != nil {
			// The scanner stops at an oversized line; keep the pipe
			// flowing so the agent never blocks on stderr.
			logger.Debug("reading agent stderr", "error", err)
			io.Copy(io.Discard, proc.stderr)
		}
	}()

	raw := make(chan string)
	readDone := make(chan error, 1)
	go func() {
		readDone <- r.driver.ReadOutput(attemptCtx, proc.stdout, raw)
		close(raw)
	}()
	for text := range raw {
		if isFinal != nil && isFinal(text) {
			stream.SuppressRetry()
		}
		select {
		case stream.lines <- Line{Text: text, Attempt: attempt}:
		case <-attemptCtx.Done():
		}
	}
	readErr := <-readDone
	if readErr != nil && attemptCtx.Err() == nil {
		// The stream is unusable; make sure the process cannot block
		// on a full pipe before reaping it.
		if err := proc.kill(); err != nil {
			logger.Warn("killing agent after read error", "error", err)
		}
	}
	<-stderrDone
	code, waitErr := proc.wait()
	close(exited)
	<-watcherDone

	switch reason.Load() {
	case reasonCancelled:
		return ErrCancelled
	case reasonTimeout:
		return &TimeoutError{Timeout: timeout}
	}

	stderrMutex.Lock()
	defer stderrMutex.Unlock()
	if stderrFailed != nil {
		return stderrFailed
	}
	if readErr != nil {
		return &ExitError{Attempt: attempt, Code: -1, Stderr: stderrLines, Err: fmt.Errorf("reading stdout: %w", readErr)}
	}
	if waitErr != nil {
		return &ExitError{Attempt: attempt, Code: code, Stderr: stderrLines, Err: waitErr}
	}
	return nil
}
