// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"context"
	"io"
)

// claudeDriver runs Claude Code in print mode.
type claudeDriver struct {
	settings Settings
}

func (driver *claudeDriver) Name() string { return "claude" }

func (driver *claudeDriver) Settings() Settings { return driver.settings }

// Command builds `claude -p [--output-format F] [--verbose] PROMPT`.
// Claude Code requires --verbose with stream-json in print mode.
func (driver *claudeDriver) Command(prompt string) Invocation {
	args := []string{"-p"}
	switch driver.settings.OutputFormat {
	case FormatText:
	case FormatJSON:
		args = append(args, "--output-format", "json")
	case FormatStreamPartial:
		args = append(args, "--output-format", "stream-json", "--stream-partial-output", "--verbose")
	default:
		args = append(args, "--output-format", "stream-json", "--verbose")
	}
	args = append(args, prompt)

	var env []string
	if key := driver.settings.APIKey; key != "" {
		env = append(env, "ANTHROPIC_API_KEY="+key, "CLAUDE_API_KEY="+key)
	}
	return Invocation{Args: args, Env: env}
}

func (driver *claudeDriver) ReadOutput(ctx context.Context, stdout io.Reader, lines chan<- string) error {
	return readLines(ctx, stdout, lines)
}

func (driver *claudeDriver) InspectStderr(string) error { return nil }
