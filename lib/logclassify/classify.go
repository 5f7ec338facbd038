// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package logclassify

import (
	"encoding/json"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"

	"github.com/ngocp-0847/explain-source/lib/clock"
	"github.com/ngocp-0847/explain-source/lib/schema/analysis"
)

// Event is one classified line.
type Event struct {
	// Entry is the record to persist and broadcast.
	Entry analysis.LogEntry

	// Narrative is the assistant text carried by the line. Set only
	// for assistant entries.
	Narrative string

	// PlainText is the cleaned content of a line that was not JSON.
	// Agents running in text mode produce only these.
	PlainText string

	// Result is non-nil for result entries.
	Result *Result
}

// Result is the extracted payload of a result entry.
type Result struct {
	// Text is the final answer. When HasText is false no text field
	// was found and Text is the raw line.
	Text    string
	HasText bool

	// IsError is set when the agent reported the run itself as failed
	// (is_error true or an "error..." subtype).
	IsError bool
}

// Classifier stamps entries with fresh IDs and clock timestamps.
type Classifier struct {
	clock clock.Clock
	newID func() string
}

// New returns a Classifier using random UUIDs for entry IDs.
func New(clk clock.Clock) *Classifier {
	return &Classifier{clock: clk, newID: uuid.NewString}
}

// Classify turns one raw output line into an Event for ticketID.
func (c *Classifier) Classify(ticketID, line string) Event {
	event := Event{
		Entry: analysis.LogEntry{
			ID:        c.newID(),
			TicketID:  ticketID,
			RawLog:    line,
			Timestamp: c.clock.Now().UTC(),
		},
	}

	object, ok := parseObject(line)
	if !ok {
		content := cleanText(line)
		event.Entry.MessageType = analysis.MessageSystem
		event.Entry.Content = content
		event.Entry.Metadata = plainMetadata(content)
		event.PlainText = content
		return event
	}

	messageType := classifyObject(object)
	event.Entry.MessageType = messageType
	event.Entry.Metadata = objectMetadata(object)

	switch messageType {
	case analysis.MessageResult:
		result := extractResult(object, line)
		event.Result = &result
		event.Entry.Content = result.Text
	case analysis.MessageAssistant:
		event.Narrative = narrativeText(object)
		event.Entry.Content = orRaw(event.Narrative, line)
	case analysis.MessageToolUse:
		event.Entry.Content = orRaw(toolSummary(object), line)
	case analysis.MessageError:
		event.Entry.Content = orRaw(errorText(object), line)
	default:
		event.Entry.Content = orRaw(systemText(object), line)
	}
	return event
}

// parseObject accepts only JSON objects. Arrays, scalars, and text
// that merely starts with a brace are plain text.
func parseObject(line string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(trimmed), &object); err != nil {
		return nil, false
	}
	return object, true
}

// classifyObject applies the discriminator table. Order matters: a
// result that reports is_error stays a result, and an error marker
// wins over any other type.
func classifyObject(object map[string]any) analysis.MessageType {
	kind := stringField(object, "type")
	role := stringField(object, "role")

	switch {
	case kind == "result":
		return analysis.MessageResult
	case kind == "error",
		object["error"] != nil,
		stringField(object, "status") == "error",
		boolField(object, "is_error"):
		return analysis.MessageError
	case kind == "tool_use", kind == "tool_call":
		return analysis.MessageToolUse
	case kind == "assistant":
		if allToolUse(contentBlocks(object)) {
			return analysis.MessageToolUse
		}
		return analysis.MessageAssistant
	case kind == "message" && role == "assistant", kind == "text":
		return analysis.MessageAssistant
	}
	return analysis.MessageSystem
}

// cleanText strips terminal escape sequences and collapses runs of
// whitespace to single spaces.
func cleanText(line string) string {
	return strings.Join(strings.Fields(ansi.Strip(line)), " ")
}

func orRaw(content, raw string) string {
	if strings.TrimSpace(content) == "" {
		return raw
	}
	return content
}

// IsResult reports whether line is an agent result event. The runner
// uses it to stop retrying once the answer has been produced.
func IsResult(line string) bool {
	object, ok := parseObject(line)
	return ok && classifyObject(object) == analysis.MessageResult
}
