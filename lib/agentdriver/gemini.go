// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// geminiDriver runs the Gemini CLI in non-interactive mode.
type geminiDriver struct {
	settings Settings
}

func (driver *geminiDriver) Name() string { return "gemini" }

func (driver *geminiDriver) Settings() Settings { return driver.settings }

func (driver *geminiDriver) Command(prompt string) Invocation {
	args := []string{"-p", prompt}
	switch driver.settings.OutputFormat {
	case FormatJSON:
		args = append(args, "--output-format", "json")
	case FormatStreamJSON, FormatStreamPartial:
		args = append(args, "--output-format", "stream-json")
	}

	var env []string
	if key := driver.settings.APIKey; key != "" {
		env = append(env, "GEMINI_API_KEY="+key)
	}
	return Invocation{Args: args, Env: env}
}

// geminiMessage is the subset of a stream-json line the delta merger
// inspects.
type geminiMessage struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	Content   any    `json:"content"`
	Delta     bool   `json:"delta"`
	Timestamp string `json:"timestamp"`
}

// mergedMessage is the single assistant line emitted for a run of
// delta fragments.
type mergedMessage struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ReadOutput merges consecutive assistant delta fragments into one
// assistant line. The buffer is flushed by the first assistant line
// without delta (whose content is appended), before any other line,
// and at EOF, so line order is preserved.
func (driver *geminiDriver) ReadOutput(ctx context.Context, stdout io.Reader, lines chan<- string) error {
	var (
		buffer        strings.Builder
		lastTimestamp string
		buffering     bool
	)
	flush := func(extra string) bool {
		buffer.WriteString(extra)
		encoded, err := json.Marshal(mergedMessage{
			Type:      "message",
			Role:      "assistant",
			Content:   buffer.String(),
			Timestamp: lastTimestamp,
		})
		buffer.Reset()
		lastTimestamp = ""
		buffering = false
		if err != nil {
			return true
		}
		return sendLine(ctx, lines, string(encoded))
	}

	err := scanLines(ctx, stdout, func(line string) bool {
		var message geminiMessage
		if json.Unmarshal([]byte(line), &message) != nil || message.Type != "message" || message.Role != "assistant" {
			if buffering && !flush("") {
				return false
			}
			return sendLine(ctx, lines, line)
		}

		text, _ := message.Content.(string)
		if message.Delta {
			buffer.WriteString(text)
			buffering = true
			if message.Timestamp != "" {
				lastTimestamp = message.Timestamp
			}
			return true
		}
		if buffering {
			return flush(text)
		}
		return sendLine(ctx, lines, line)
	})
	if err != nil {
		return err
	}
	if buffering {
		flush("")
	}
	return nil
}

// InspectStderr recognises the CLI's login failures.
func (driver *geminiDriver) InspectStderr(line string) error {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "not logged in") || strings.Contains(lower, "authentication") {
		return fmt.Errorf("%w: %s", ErrAuthenticationRequired, strings.TrimSpace(line))
	}
	return nil
}
