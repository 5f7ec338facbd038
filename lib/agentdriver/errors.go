// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrExecutableNotFound means the agent binary could not be
	// resolved. Terminal.
	ErrExecutableNotFound = errors.New("agent executable not found")

	// ErrDirectoryNotAccessible means the working directory is missing
	// or is not a directory. Terminal.
	ErrDirectoryNotAccessible = errors.New("working directory not accessible")

	// ErrCancelled is the outcome of a stream stopped by Cancel or by
	// its context.
	ErrCancelled = errors.New("agent run cancelled")

	// ErrAuthenticationRequired means the agent reported that it is
	// not logged in. Terminal.
	ErrAuthenticationRequired = errors.New("agent authentication required")
)

// SpawnError is a failure to start the process after the executable
// was resolved (permission denied, bad interpreter). Terminal.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError is an attempt that ended with a non-zero exit status or a
// broken stdout stream. Retryable.
type ExitError struct {
	Attempt int

	// Code is the exit status, or -1 when the process was killed by a
	// signal or never reported one.
	Code int

	// Stderr holds the last few stderr lines for diagnosis.
	Stderr []string

	// Err is the underlying wait or read error.
	Err error
}

func (e *ExitError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "agent attempt %d failed", e.Attempt)
	if e.Code >= 0 {
		fmt.Fprintf(&builder, " with exit code %d", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&builder, ": %v", e.Err)
	}
	if len(e.Stderr) > 0 {
		fmt.Fprintf(&builder, " (stderr: %s)", strings.Join(e.Stderr, " | "))
	}
	return builder.String()
}

func (e *ExitError) Unwrap() error { return e.Err }

// TimeoutError is an attempt killed for running longer than the
// configured timeout. Terminal.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %v", e.Timeout)
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	var exitError *ExitError
	return errors.As(err, &exitError)
}
