// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"
)

// Output formats understood by the drivers. Not every agent supports
// every format; unsupported values fall back to the agent's default.
const (
	FormatText          = "text"
	FormatJSON          = "json"
	FormatStreamJSON    = "stream-json"
	FormatStreamPartial = "stream-partial"
)

// Settings is the per-agent configuration.
type Settings struct {
	// Executable is a bare command name resolved through PATH or a
	// path containing a separator.
	Executable string

	// Timeout bounds one attempt. Zero disables the timeout.
	Timeout time.Duration

	// MaxRetries is the total number of attempts. Values below 1 are
	// treated as 1.
	MaxRetries int

	// WorkingDirectory is used when a request does not name one.
	WorkingDirectory string

	// OutputFormat is one of the Format constants.
	OutputFormat string

	// APIKey, when set, is exported to the agent in the environment
	// variable the agent expects.
	APIKey string
}

// Attempts returns the effective attempt budget.
func (s Settings) Attempts() int {
	return max(s.MaxRetries, 1)
}

// Invocation is a fully built command line.
type Invocation struct {
	Args []string

	// Env is appended to the server's environment, "KEY=VALUE" form.
	Env []string
}

// Driver adapts one agent CLI.
type Driver interface {
	// Name identifies the agent in logs and session records.
	Name() string

	// Settings returns the driver's configuration.
	Settings() Settings

	// Command builds the arguments and extra environment for prompt.
	Command(prompt string) Invocation

	// ReadOutput reads stdout until EOF or ctx is done and sends one
	// string per event line. It must not close lines and must stop
	// sending once ctx is done.
	ReadOutput(ctx context.Context, stdout io.Reader, lines chan<- string) error

	// InspectStderr returns a non-nil error when a stderr line shows
	// the run cannot succeed, such as a missing login. Such errors are
	// terminal and are not retried.
	InspectStderr(line string) error
}

// Names lists the agent names New accepts.
func Names() []string {
	return []string{"claude", "gemini", "cursor"}
}

// New returns the driver for name.
func New(name string, settings Settings) (Driver, error) {
	switch name {
	case "claude":
		return &claudeDriver{settings: settings}, nil
	case "gemini":
		return &geminiDriver{settings: settings}, nil
	case "cursor":
		return &cursorDriver{settings: settings}, nil
	}
	return nil, fmt.Errorf("unknown agent %q (want one of %v)", name, Names())
}

// IsKnown reports whether New accepts name.
func IsKnown(name string) bool {
	return slices.Contains(Names(), name)
}
