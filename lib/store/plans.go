// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ngocp-0847/explain-source/lib/schema/plan"
	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
)

// PlanEditParams describes one plan edit. ContentBefore is read from
// the ticket inside the transaction, not supplied by the caller.
type PlanEditParams struct {
	EditID      string
	TicketID    string
	UserID      string
	Content     string
	ContentHash string
}

// RecordPlanEdit appends a plan edit and replaces the ticket's plan
// content in one transaction. plan_created_at is set by the first edit
// and never moved afterwards. The returned ticket reflects the update.
func (s *Store) RecordPlanEdit(ctx context.Context, params PlanEditParams) (plan.Edit, ticket.Ticket, error) {
	now := s.clock.Now().UTC()
	var (
		edit    plan.Edit
		updated ticket.Ticket
	)

	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		current, err := getTicket(conn, params.TicketID)
		if err != nil {
			return err
		}
		edit = plan.Edit{
			ID:            params.EditID,
			TicketID:      params.TicketID,
			UserID:        params.UserID,
			ContentBefore: current.PlanContent,
			ContentAfter:  params.Content,
			ContentHash:   params.ContentHash,
			CreatedAt:     now,
		}

		err = sqlitex.Execute(conn, `INSERT INTO plan_edits
			(id, ticket_id, user_id, content_before, content_after, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				edit.ID, edit.TicketID, edit.UserID,
				edit.ContentBefore, edit.ContentAfter, edit.ContentHash,
				toNanos(now),
			},
		})
		if err != nil {
			return fmt.Errorf("store: insert plan edit: %w", err)
		}

		err = sqlitex.Execute(conn, `UPDATE tickets
			SET plan_content = ?,
			    plan_created_at = COALESCE(plan_created_at, ?),
			    updated_at = ?
			WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{params.Content, toNanos(now), toNanos(now), params.TicketID},
		})
		if err != nil {
			return fmt.Errorf("store: update plan content: %w", err)
		}

		updated, err = getTicket(conn, params.TicketID)
		return err
	})
	if err != nil {
		return plan.Edit{}, ticket.Ticket{}, err
	}
	return edit, updated, nil
}

// PlanEdits returns a ticket's plan edits, oldest first.
func (s *Store) PlanEdits(ctx context.Context, ticketID string) ([]plan.Edit, error) {
	edits := []plan.Edit{}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, ticket_id, user_id, content_before,
			content_after, content_hash, created_at
			FROM plan_edits WHERE ticket_id = ? ORDER BY created_at, rowid`, &sqlitex.ExecOptions{
			Args: []any{ticketID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				edits = append(edits, plan.Edit{
					ID:            stmt.ColumnText(0),
					TicketID:      stmt.ColumnText(1),
					UserID:        stmt.ColumnText(2),
					ContentBefore: stmt.ColumnText(3),
					ContentAfter:  stmt.ColumnText(4),
					ContentHash:   stmt.ColumnText(5),
					CreatedAt:     fromNanos(stmt.ColumnInt64(6)),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: plan edits for ticket %s: %w", ticketID, err)
	}
	return edits, nil
}

// UpsertApproval records a user's verdict on a ticket's plan. A second
// verdict from the same user replaces the first; the row keeps its
// original id and created_at.
func (s *Store) UpsertApproval(ctx context.Context, approvalID, ticketID, userID string, status plan.ApprovalStatus) error {
	now := toNanos(s.clock.Now())
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO plan_approvals
			(id, ticket_id, user_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (ticket_id, user_id) DO UPDATE
			SET status = excluded.status, updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
			Args: []any{approvalID, ticketID, userID, string(status), now, now},
		})
		if err != nil {
			return fmt.Errorf("store: upsert approval on ticket %s: %w", ticketID, err)
		}
		return nil
	})
}

// Approvals lists a ticket's approvals with usernames, oldest first.
func (s *Store) Approvals(ctx context.Context, ticketID string) ([]plan.Approval, error) {
	approvals := []plan.Approval{}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT a.id, a.ticket_id, a.user_id, COALESCE(u.username, ''),
			a.status, a.created_at, a.updated_at
			FROM plan_approvals a LEFT JOIN users u ON u.id = a.user_id
			WHERE a.ticket_id = ? ORDER BY a.created_at, a.rowid`, &sqlitex.ExecOptions{
			Args: []any{ticketID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				approvals = append(approvals, plan.Approval{
					ID:        stmt.ColumnText(0),
					TicketID:  stmt.ColumnText(1),
					UserID:    stmt.ColumnText(2),
					Username:  stmt.ColumnText(3),
					Status:    plan.ApprovalStatus(stmt.ColumnText(4)),
					CreatedAt: fromNanos(stmt.ColumnInt64(5)),
					UpdatedAt: fromNanos(stmt.ColumnInt64(6)),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: approvals for ticket %s: %w", ticketID, err)
	}
	return approvals, nil
}
