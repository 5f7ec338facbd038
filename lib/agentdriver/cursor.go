// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"context"
	"io"
)

// cursorDriver runs cursor-agent in print mode. Its flags mirror
// Claude Code's except that stream-json does not need --verbose.
type cursorDriver struct {
	settings Settings
}

func (driver *cursorDriver) Name() string { return "cursor" }

func (driver *cursorDriver) Settings() Settings { return driver.settings }

func (driver *cursorDriver) Command(prompt string) Invocation {
	args := []string{"-p"}
	switch driver.settings.OutputFormat {
	case FormatText:
	case FormatJSON:
		args = append(args, "--output-format", "json")
	case FormatStreamPartial:
		args = append(args, "--output-format", "stream-json", "--stream-partial-output")
	default:
		args = append(args, "--output-format", "stream-json")
	}
	args = append(args, prompt)

	var env []string
	if key := driver.settings.APIKey; key != "" {
		env = append(env, "CURSOR_API_KEY="+key)
	}
	return Invocation{Args: args, Env: env}
}

func (driver *cursorDriver) ReadOutput(ctx context.Context, stdout io.Reader, lines chan<- string) error {
	return readLines(ctx, stdout, lines)
}

func (driver *cursorDriver) InspectStderr(string) error { return nil }
