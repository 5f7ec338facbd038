// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/zeebo/blake3"

	"github.com/ngocp-0847/explain-source/lib/broadcast"
	"github.com/ngocp-0847/explain-source/lib/clock"
	analysisschema "github.com/ngocp-0847/explain-source/lib/schema/analysis"
	planschema "github.com/ngocp-0847/explain-source/lib/schema/plan"
	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
	"github.com/ngocp-0847/explain-source/lib/store"
)

var (
	// ErrNotPlanMode is returned for plan operations on a ticket whose
	// mode is not plan.
	ErrNotPlanMode = errors.New("ticket is not in plan mode")

	// ErrInvalidRequest is returned for a missing user or content.
	ErrInvalidRequest = errors.New("invalid plan request")
)

// Storage is the persistence the engine needs. *store.Store implements
// it.
type Storage interface {
	GetTicket(ctx context.Context, id string) (ticket.Ticket, error)
	RecordPlanEdit(ctx context.Context, params store.PlanEditParams) (planschema.Edit, ticket.Ticket, error)
	PlanEdits(ctx context.Context, ticketID string) ([]planschema.Edit, error)
	UpsertApproval(ctx context.Context, approvalID, ticketID, userID string, status planschema.ApprovalStatus) error
	Approvals(ctx context.Context, ticketID string) ([]planschema.Approval, error)
}

// Config holds the parameters for NewEngine.
type Config struct {
	Store  Storage
	Hub    *broadcast.Hub[analysisschema.Message]
	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine applies plan edits and votes. Safe for concurrent use.
type Engine struct {
	store    Storage
	hub      *broadcast.Hub[analysisschema.Message]
	clock    clock.Clock
	logger   *slog.Logger
	newID    func() string
	markdown goldmark.Markdown

	// voting serializes approvals so exactly one of them observes the
	// not-ready to ready transition.
	voting sync.Mutex
}

// NewEngine validates config and returns an Engine.
func NewEngine(config Config) (*Engine, error) {
	if config.Store == nil {
		return nil, errors.New("plan: Store is required")
	}
	if config.Hub == nil {
		return nil, errors.New("plan: Hub is required")
	}
	if config.Clock == nil {
		return nil, errors.New("plan: Clock is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:    config.Store,
		hub:      config.Hub,
		clock:    config.Clock,
		logger:   logger,
		newID:    uuid.NewString,
		markdown: newMarkdown(),
	}, nil
}

// Summary is a ticket's votes together with the readiness they imply.
type Summary struct {
	Approvals []planschema.Approval `json:"approvals"`
	planschema.Readiness
}

// ContentHash is the hex BLAKE3 digest recorded with each edit.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// planTicket loads ticketID and checks it is in plan mode.
func (e *Engine) planTicket(ctx context.Context, ticketID string) (ticket.Ticket, error) {
	record, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if record.Mode != ticket.ModePlan {
		return ticket.Ticket{}, fmt.Errorf("ticket %s has mode %q: %w", ticketID, record.Mode, ErrNotPlanMode)
	}
	return record, nil
}

// Edit replaces the ticket's plan content on behalf of userID and
// records the change.
func (e *Engine) Edit(ctx context.Context, ticketID, userID, content string) (planschema.Edit, error) {
	if userID == "" {
		return planschema.Edit{}, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if _, err := e.planTicket(ctx, ticketID); err != nil {
		return planschema.Edit{}, err
	}

	edit, updated, err := e.store.RecordPlanEdit(ctx, store.PlanEditParams{
		EditID:      e.newID(),
		TicketID:    ticketID,
		UserID:      userID,
		Content:     content,
		ContentHash: ContentHash(content),
	})
	if err != nil {
		return planschema.Edit{}, err
	}
	e.logger.Info("plan edited", "ticket_id", ticketID, "user_id", userID, "content_hash", edit.ContentHash)

	e.hub.Publish(analysisschema.Message{
		Kind:      analysisschema.KindPlanUpdated,
		TicketID:  ticketID,
		UserID:    userID,
		Content:   updated.PlanContent,
		Timestamp: e.clock.Now(),
	})
	return edit, nil
}

// Approve records userID's vote, replacing any earlier vote by the same
// user, and returns the resulting summary.
func (e *Engine) Approve(ctx context.Context, ticketID, userID string, status planschema.ApprovalStatus) (Summary, error) {
	if userID == "" {
		return Summary{}, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if _, err := planschema.ParseApprovalStatus(string(status)); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	record, err := e.planTicket(ctx, ticketID)
	if err != nil {
		return Summary{}, err
	}

	e.voting.Lock()
	defer e.voting.Unlock()

	before, err := e.store.Approvals(ctx, ticketID)
	if err != nil {
		return Summary{}, err
	}
	wasReady := planschema.ComputeReadiness(before, record.RequiredApprovals).Ready

	if err := e.store.UpsertApproval(ctx, e.newID(), ticketID, userID, status); err != nil {
		return Summary{}, err
	}
	summary, err := e.summary(ctx, record)
	if err != nil {
		return Summary{}, err
	}
	e.logger.Info("plan vote recorded", "ticket_id", ticketID, "user_id", userID, "status", status,
		"approved", summary.ApprovedCount, "required", summary.RequiredApprovals)

	now := e.clock.Now()
	readiness := summary.Readiness
	e.hub.Publish(analysisschema.Message{
		Kind:      analysisschema.KindPlanApproved,
		TicketID:  ticketID,
		UserID:    userID,
		Content:   string(status),
		Readiness: &readiness,
		Timestamp: now,
	})
	if !wasReady && summary.Ready {
		e.hub.Publish(analysisschema.Message{
			Kind:      analysisschema.KindPlanReady,
			TicketID:  ticketID,
			Readiness: &readiness,
			Timestamp: now,
		})
	}
	return summary, nil
}

// Approvals returns the ticket's votes and readiness.
func (e *Engine) Approvals(ctx context.Context, ticketID string) (Summary, error) {
	record, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return Summary{}, err
	}
	return e.summary(ctx, record)
}

func (e *Engine) summary(ctx context.Context, record ticket.Ticket) (Summary, error) {
	approvals, err := e.store.Approvals(ctx, record.ID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Approvals: approvals,
		Readiness: planschema.ComputeReadiness(approvals, record.RequiredApprovals),
	}, nil
}

// History returns the ticket's plan edits, oldest first.
func (e *Engine) History(ctx context.Context, ticketID string) ([]planschema.Edit, error) {
	if _, err := e.store.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	return e.store.PlanEdits(ctx, ticketID)
}
