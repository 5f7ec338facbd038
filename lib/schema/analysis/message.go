// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"time"

	"github.com/ngocp-0847/explain-source/lib/schema/plan"
)

// Live message kinds pushed to every connected viewer.
const (
	KindStructuredLog    = "structured-log"
	KindAnalysisComplete = "code-analysis-complete"
	KindAnalysisError    = "code-analysis-error"
	KindAnalysisStopped  = "analysis-stopped"
	KindPlanUpdated      = "plan-updated"
	KindPlanApproved     = "plan-approved"
	KindPlanReady        = "plan-ready"
)

// Message is the envelope fanned out by the broadcast hub. Which
// optional fields are set depends on Kind: structured-log carries Log,
// completion and plan-updated messages carry Content, failures carry
// Error, and plan messages carry the acting UserID and the Readiness
// after the change. Viewers filter by TicketID themselves.
type Message struct {
	Kind      string    `json:"message_type"`
	TicketID  string    `json:"ticket_id,omitempty"`
	Log       *LogEntry `json:"log,omitempty"`
	Content   string    `json:"content,omitempty"`
	Error     string    `json:"error,omitempty"`
	UserID    string    `json:"user_id,omitempty"`

	Readiness *plan.Readiness `json:"readiness,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewLogMessage wraps a persisted entry for the live channel.
func NewLogMessage(entry LogEntry) Message {
	return Message{
		Kind:      KindStructuredLog,
		TicketID:  entry.TicketID,
		Log:       &entry,
		Timestamp: entry.Timestamp,
	}
}
