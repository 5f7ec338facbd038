// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package plan defines plan edits, approvals, and the computed
// readiness of a plan-mode ticket.
package plan

import (
	"fmt"
	"time"
)

// ApprovalStatus is one user's decision on a plan.
type ApprovalStatus string

const (
	Approved ApprovalStatus = "approved"
	Rejected ApprovalStatus = "rejected"
)

// ParseApprovalStatus validates a client-supplied decision.
func ParseApprovalStatus(value string) (ApprovalStatus, error) {
	switch ApprovalStatus(value) {
	case Approved, Rejected:
		return ApprovalStatus(value), nil
	}
	return "", fmt.Errorf("unknown approval status %q (want approved or rejected)", value)
}

// Edit is one entry of the append-only plan audit trail.
type Edit struct {
	ID            string    `json:"id"`
	TicketID      string    `json:"ticket_id"`
	UserID        string    `json:"user_id"`
	ContentBefore string    `json:"content_before"`
	ContentAfter  string    `json:"content_after"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// Approval is a user's latest decision. There is at most one per
// (ticket, user); a later decision overwrites the earlier one.
type Approval struct {
	ID        string         `json:"id"`
	TicketID  string         `json:"ticket_id"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username,omitempty"`
	Status    ApprovalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Readiness is derived from the current approvals on every read and is
// never stored.
type Readiness struct {
	ApprovedCount     int  `json:"approved_count"`
	RejectedCount     int  `json:"rejected_count"`
	RequiredApprovals int  `json:"required_approvals"`
	Ready             bool `json:"ready"`
}

// ComputeReadiness counts decisions against the required quorum.
func ComputeReadiness(approvals []Approval, requiredApprovals int) Readiness {
	readiness := Readiness{RequiredApprovals: requiredApprovals}
	for _, approval := range approvals {
		switch approval.Status {
		case Approved:
			readiness.ApprovedCount++
		case Rejected:
			readiness.RejectedCount++
		}
	}
	readiness.Ready = readiness.ApprovedCount >= requiredApprovals
	return readiness
}
