// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"fmt"
	"time"
)

// MessageType classifies a structured log entry.
type MessageType string

const (
	// MessageToolUse is the agent invoking a tool (file read, search).
	MessageToolUse MessageType = "tool_use"

	// MessageAssistant is narrative text produced by the agent.
	MessageAssistant MessageType = "assistant"

	// MessageError is an error reported by the agent or the runner.
	MessageError MessageType = "error"

	// MessageSystem covers everything else: init frames, tool results,
	// plain text, and lines that could not be parsed.
	MessageSystem MessageType = "system"

	// MessageResult is the agent's final answer. Its extracted text
	// becomes the ticket's analysis result.
	MessageResult MessageType = "result"
)

// ParseMessageType validates a stored or client-supplied type.
func ParseMessageType(value string) (MessageType, error) {
	switch MessageType(value) {
	case MessageToolUse, MessageAssistant, MessageError, MessageSystem, MessageResult:
		return MessageType(value), nil
	}
	return "", fmt.Errorf("unknown log message type %q", value)
}

// LogEntry is one classified, persisted unit of agent output. Entries
// are append-only and ordered per ticket by emission.
type LogEntry struct {
	ID          string            `json:"id"`
	TicketID    string            `json:"ticket_id"`
	MessageType MessageType       `json:"message_type"`
	Content     string            `json:"content"`
	RawLog      string            `json:"raw_log,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// LogPage is one page of a ticket's log history.
type LogPage struct {
	Logs    []LogEntry `json:"logs"`
	Total   int        `json:"total"`
	HasMore bool       `json:"has_more"`
}
