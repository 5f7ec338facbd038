// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ngocp-0847/explain-source/lib/schema/analysis"
	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
)

// ErrSessionRunning is returned by BeginSession when the ticket
// already has a running session.
var ErrSessionRunning = errors.New("store: ticket already has a running session")

// BeginSessionParams describes a new running session.
type BeginSessionParams struct {
	SessionID string
	TicketID  string
	Agent     string

	// AutoCreate, when non-nil, is inserted if the ticket does not
	// exist yet. Its ID must equal TicketID.
	AutoCreate *ticket.Ticket
}

// BeginSession inserts a running session and sets the ticket's
// is_analyzing flag in one transaction. A crash between the two writes
// can therefore never leave an analyzing ticket without a session.
func (s *Store) BeginSession(ctx context.Context, params BeginSessionParams) (analysis.Session, error) {
	session := analysis.Session{
		ID:        params.SessionID,
		TicketID:  params.TicketID,
		Agent:     params.Agent,
		StartedAt: s.clock.Now().UTC(),
		Status:    analysis.SessionRunning,
	}

	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if _, err := getTicket(conn, params.TicketID); err != nil {
			if !errors.Is(err, ErrNotFound) || params.AutoCreate == nil {
				return err
			}
			if err := s.insertTicket(conn, *params.AutoCreate); err != nil {
				return err
			}
			s.logger.Info("ticket auto-created for analysis", "ticket_id", params.TicketID)
		}

		err := sqlitex.Execute(conn, `INSERT INTO analysis_sessions
			(id, ticket_id, agent, started_at, status)
			VALUES (?, ?, ?, ?, 'running')`, &sqlitex.ExecOptions{
			Args: []any{session.ID, session.TicketID, session.Agent, toNanos(session.StartedAt)},
		})
		if err != nil {
			if isUniqueViolation(err) {
				return ErrSessionRunning
			}
			return fmt.Errorf("store: insert session: %w", err)
		}

		err = sqlitex.Execute(conn, `UPDATE tickets SET is_analyzing = 1, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{toNanos(session.StartedAt), session.TicketID}})
		if err != nil {
			return fmt.Errorf("store: mark ticket analyzing: %w", err)
		}
		return nil
	})
	if err != nil {
		return analysis.Session{}, err
	}
	return session, nil
}

// FinishSessionParams describes a terminal transition.
type FinishSessionParams struct {
	SessionID    string
	TicketID     string
	Status       analysis.SessionStatus
	ErrorMessage string

	// AnalysisResult is written to the ticket when SetResult is true.
	// Partial results from failed sessions are written too.
	AnalysisResult string
	SetResult      bool
}

// FinishSession moves a running session to a terminal status and
// clears the ticket's is_analyzing flag. The update is a compare-and-set
// on status='running': it returns false, and changes nothing, if the
// session already left the running state.
func (s *Store) FinishSession(ctx context.Context, params FinishSessionParams) (bool, error) {
	if !params.Status.IsTerminal() {
		return false, fmt.Errorf("store: finish session: %q is not a terminal status", params.Status)
	}
	now := toNanos(s.clock.Now())
	transitioned := false

	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE analysis_sessions
			SET status = ?, completed_at = ?, error_message = ?
			WHERE id = ? AND status = 'running'`, &sqlitex.ExecOptions{
			Args: []any{string(params.Status), now, nullableText(params.ErrorMessage), params.SessionID},
		})
		if err != nil {
			return fmt.Errorf("store: finish session %s: %w", params.SessionID, err)
		}
		if conn.Changes() == 0 {
			return nil
		}
		transitioned = true

		err = sqlitex.Execute(conn, `UPDATE tickets
			SET is_analyzing = 0,
			    analysis_result = CASE WHEN ? THEN ? ELSE analysis_result END,
			    updated_at = ?
			WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{boolToInt(params.SetResult), nullableText(params.AnalysisResult), now, params.TicketID},
		})
		if err != nil {
			return fmt.Errorf("store: clear ticket analyzing: %w", err)
		}
		return nil
	})
	return transitioned, err
}

const sessionColumns = `id, ticket_id, agent, started_at, completed_at, status, error_message`

func scanSession(stmt *sqlite.Stmt) analysis.Session {
	return analysis.Session{
		ID:           stmt.ColumnText(0),
		TicketID:     stmt.ColumnText(1),
		Agent:        stmt.ColumnText(2),
		StartedAt:    fromNanos(stmt.ColumnInt64(3)),
		CompletedAt:  columnTimePointer(stmt, 4),
		Status:       analysis.SessionStatus(stmt.ColumnText(5)),
		ErrorMessage: stmt.ColumnText(6),
	}
}

// GetSession returns ErrNotFound for an unknown id.
func (s *Store) GetSession(ctx context.Context, id string) (analysis.Session, error) {
	sessions, err := s.querySessions(ctx, `SELECT `+sessionColumns+` FROM analysis_sessions WHERE id = ?`, id)
	if err != nil {
		return analysis.Session{}, err
	}
	if len(sessions) == 0 {
		return analysis.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sessions[0], nil
}

// LatestSession returns the most recently started session of a ticket.
func (s *Store) LatestSession(ctx context.Context, ticketID string) (analysis.Session, error) {
	sessions, err := s.querySessions(ctx, `SELECT `+sessionColumns+` FROM analysis_sessions
		WHERE ticket_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, ticketID)
	if err != nil {
		return analysis.Session{}, err
	}
	if len(sessions) == 0 {
		return analysis.Session{}, fmt.Errorf("session for ticket %s: %w", ticketID, ErrNotFound)
	}
	return sessions[0], nil
}

// RunningSessions lists every session still marked running.
func (s *Store) RunningSessions(ctx context.Context) ([]analysis.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM analysis_sessions
		WHERE status = 'running' ORDER BY started_at`)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]analysis.Session, error) {
	var sessions []analysis.Session
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, scanSession(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	return sessions, nil
}

// RecoverRunning fails every session still marked running and clears
// its ticket's is_analyzing flag. It is meant for process start, when
// no session can legitimately be running. Returns the recovered
// sessions.
func (s *Store) RecoverRunning(ctx context.Context, reason string) ([]analysis.Session, error) {
	running, err := s.RunningSessions(ctx)
	if err != nil {
		return nil, err
	}
	var recovered []analysis.Session
	for _, session := range running {
		transitioned, err := s.FinishSession(ctx, FinishSessionParams{
			SessionID:    session.ID,
			TicketID:     session.TicketID,
			Status:       analysis.SessionFailed,
			ErrorMessage: reason,
		})
		if err != nil {
			return recovered, err
		}
		if transitioned {
			session.Status = analysis.SessionFailed
			session.ErrorMessage = reason
			recovered = append(recovered, session)
		}
	}
	return recovered, nil
}
