// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
)

const ticketColumns = `id, project_id, title, description, status, mode,
	code_context, analysis_result, is_analyzing, plan_content,
	plan_created_at, required_approvals, created_at, updated_at`

// CreateTicket inserts a ticket. Zero timestamps are filled from the
// store clock and a zero RequiredApprovals defaults to the quorum of 2.
func (s *Store) CreateTicket(ctx context.Context, record ticket.Ticket) error {
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return s.insertTicket(conn, record)
	})
}

func (s *Store) insertTicket(conn *sqlite.Conn, record ticket.Ticket) error {
	now := s.clock.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	if record.Status == "" {
		record.Status = ticket.StatusTodo
	}
	if record.Mode == "" {
		record.Mode = ticket.ModeAsk
	}
	if record.RequiredApprovals <= 0 {
		record.RequiredApprovals = ticket.DefaultRequiredApprovals
	}
	var planCreatedAt any
	if record.PlanCreatedAt != nil {
		planCreatedAt = toNanos(*record.PlanCreatedAt)
	}

	err := sqlitex.Execute(conn, `INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			record.ID,
			record.ProjectID,
			record.Title,
			record.Description,
			string(record.Status),
			string(record.Mode),
			nullableText(record.CodeContext),
			nullableText(record.AnalysisResult),
			boolToInt(record.IsAnalyzing),
			nullableText(record.PlanContent),
			planCreatedAt,
			record.RequiredApprovals,
			toNanos(record.CreatedAt),
			toNanos(record.UpdatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("store: insert ticket %s: %w", record.ID, err)
	}
	return nil
}

// GetTicket returns ErrNotFound for an unknown id.
func (s *Store) GetTicket(ctx context.Context, id string) (ticket.Ticket, error) {
	var record ticket.Ticket
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		record, err = getTicket(conn, id)
		return err
	})
	return record, err
}

func getTicket(conn *sqlite.Conn, id string) (ticket.Ticket, error) {
	var record ticket.Ticket
	found := false
	err := sqlitex.Execute(conn, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			record = scanTicket(stmt)
			return nil
		},
	})
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("store: get ticket %s: %w", id, err)
	}
	if !found {
		return ticket.Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return record, nil
}

func scanTicket(stmt *sqlite.Stmt) ticket.Ticket {
	return ticket.Ticket{
		ID:                stmt.ColumnText(0),
		ProjectID:         stmt.ColumnText(1),
		Title:             stmt.ColumnText(2),
		Description:       stmt.ColumnText(3),
		Status:            ticket.Status(stmt.ColumnText(4)),
		Mode:              ticket.Mode(stmt.ColumnText(5)),
		CodeContext:       stmt.ColumnText(6),
		AnalysisResult:    stmt.ColumnText(7),
		IsAnalyzing:       stmt.ColumnInt(8) != 0,
		PlanContent:       stmt.ColumnText(9),
		PlanCreatedAt:     columnTimePointer(stmt, 10),
		RequiredApprovals: stmt.ColumnInt(11),
		CreatedAt:         fromNanos(stmt.ColumnInt64(12)),
		UpdatedAt:         fromNanos(stmt.ColumnInt64(13)),
	}
}

// DeleteTicket removes a ticket. Its sessions, logs, plan edits, and
// approvals go with it through ON DELETE CASCADE.
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM tickets WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
		})
		if err != nil {
			return fmt.Errorf("store: delete ticket %s: %w", id, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("ticket %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, project ticket.Project) error {
	now := s.clock.Now()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	if project.UpdatedAt.IsZero() {
		project.UpdatedAt = project.CreatedAt
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO projects
			(id, name, description, directory_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				project.ID,
				project.Name,
				project.Description,
				project.DirectoryPath,
				toNanos(project.CreatedAt),
				toNanos(project.UpdatedAt),
			},
		})
		if err != nil {
			return fmt.Errorf("store: insert project %s: %w", project.ID, err)
		}
		return nil
	})
}

// GetProject returns ErrNotFound for an unknown id.
func (s *Store) GetProject(ctx context.Context, id string) (ticket.Project, error) {
	var project ticket.Project
	found := false
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, name, description, directory_path, created_at, updated_at
			FROM projects WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				project = ticket.Project{
					ID:            stmt.ColumnText(0),
					Name:          stmt.ColumnText(1),
					Description:   stmt.ColumnText(2),
					DirectoryPath: stmt.ColumnText(3),
					CreatedAt:     fromNanos(stmt.ColumnInt64(4)),
					UpdatedAt:     fromNanos(stmt.ColumnInt64(5)),
				}
				return nil
			},
		})
	})
	if err != nil {
		return ticket.Project{}, fmt.Errorf("store: get project %s: %w", id, err)
	}
	if !found {
		return ticket.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return project, nil
}
