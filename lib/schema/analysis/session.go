// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package analysis

import "time"

// SessionStatus is the lifecycle state of one analysis session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// Session is one execution of an agent for a ticket. At most one
// session per ticket is running at any instant.
type Session struct {
	ID           string        `json:"id"`
	TicketID     string        `json:"ticket_id"`
	Agent        string        `json:"agent,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Status       SessionStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
}
