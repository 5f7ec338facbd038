// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"fmt"
	"time"
)

// Status is the Kanban column of a ticket.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// IsKnown reports whether s is one of the defined statuses.
func (s Status) IsKnown() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Mode selects what the agent is asked to do for a ticket. Plan-mode
// tickets additionally go through the approval workflow.
type Mode string

const (
	ModePlan Mode = "plan"
	ModeAsk  Mode = "ask"
	ModeEdit Mode = "edit"
)

// ParseMode converts a client-supplied mode string. The empty string
// maps to ModeAsk, the default for analysis requests.
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case "":
		return ModeAsk, nil
	case ModePlan, ModeAsk, ModeEdit:
		return Mode(value), nil
	default:
		return "", fmt.Errorf("unknown ticket mode %q (want plan, ask, or edit)", value)
	}
}

// DefaultRequiredApprovals is the approval quorum for tickets that do
// not set one.
const DefaultRequiredApprovals = 2

// Ticket is the unit an analysis session is attached to.
type Ticket struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      Status `json:"status"`
	Mode        Mode   `json:"mode"`

	CodeContext    string `json:"code_context,omitempty"`
	AnalysisResult string `json:"analysis_result,omitempty"`

	// IsAnalyzing mirrors whether a running analysis session exists.
	// It is written in the same transaction as the session row.
	IsAnalyzing bool `json:"is_analyzing"`

	PlanContent       string     `json:"plan_content,omitempty"`
	PlanCreatedAt     *time.Time `json:"plan_created_at,omitempty"`
	RequiredApprovals int        `json:"required_approvals"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project groups tickets and names the source tree agents run in.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	DirectoryPath string    `json:"directory_path"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
