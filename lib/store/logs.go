// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ngocp-0847/explain-source/lib/schema/analysis"
)

// Page size bounds for Logs.
const (
	DefaultLogLimit = 100
	MaxLogLimit     = 1000
)

// ClampLogLimit maps a requested page size into [1, MaxLogLimit],
// with zero or negative meaning DefaultLogLimit.
func ClampLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return limit
	}
}

// AppendLog persists one log entry. The insertion order (seq) is the
// order every reader sees.
func (s *Store) AppendLog(ctx context.Context, entry analysis.LogEntry) error {
	var metadata any
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("store: encode metadata for log %s: %w", entry.ID, err)
		}
		metadata = string(encoded)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}

	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO structured_logs
			(id, ticket_id, message_type, content, raw_log, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				entry.ID,
				entry.TicketID,
				string(entry.MessageType),
				entry.Content,
				nullableText(entry.RawLog),
				metadata,
				toNanos(entry.Timestamp),
			},
		})
		if err != nil {
			return fmt.Errorf("store: append log %s: %w", entry.ID, err)
		}
		return nil
	})
}

const logColumns = `id, ticket_id, message_type, content, raw_log, metadata, timestamp`

func scanLog(stmt *sqlite.Stmt) (analysis.LogEntry, error) {
	entry := analysis.LogEntry{
		ID:          stmt.ColumnText(0),
		TicketID:    stmt.ColumnText(1),
		MessageType: analysis.MessageType(stmt.ColumnText(2)),
		Content:     stmt.ColumnText(3),
		RawLog:      stmt.ColumnText(4),
		Timestamp:   fromNanos(stmt.ColumnInt64(6)),
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &entry.Metadata); err != nil {
			return analysis.LogEntry{}, fmt.Errorf("decode metadata for log %s: %w", entry.ID, err)
		}
	}
	return entry, nil
}

// Logs returns one page of a ticket's logs in insertion order. The
// count and the page are read inside one transaction so Total and
// HasMore describe the same snapshot as Logs.
func (s *Store) Logs(ctx context.Context, ticketID string, limit, offset int) (analysis.LogPage, error) {
	limit = ClampLogLimit(limit)
	offset = max(offset, 0)
	page := analysis.LogPage{Logs: []analysis.LogEntry{}}

	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction := sqlitex.Transaction(conn)
		defer endTransaction(&err)

		err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM structured_logs WHERE ticket_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{ticketID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					page.Total = stmt.ColumnInt(0)
					return nil
				},
			})
		if err != nil {
			return err
		}

		return sqlitex.Execute(conn, `SELECT `+logColumns+` FROM structured_logs
			WHERE ticket_id = ? ORDER BY seq LIMIT ? OFFSET ?`, &sqlitex.ExecOptions{
			Args: []any{ticketID, limit, offset},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanLog(stmt)
				if err != nil {
					return err
				}
				page.Logs = append(page.Logs, entry)
				return nil
			},
		})
	})
	if err != nil {
		return analysis.LogPage{}, fmt.Errorf("store: logs for ticket %s: %w", ticketID, err)
	}
	page.HasMore = offset+len(page.Logs) < page.Total
	return page, nil
}

// EachLog calls fn for every log of a ticket in insertion order. The
// connection is held for the whole walk; fn should not block on other
// store calls.
func (s *Store) EachLog(ctx context.Context, ticketID string, fn func(analysis.LogEntry) error) error {
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+logColumns+` FROM structured_logs
			WHERE ticket_id = ? ORDER BY seq`, &sqlitex.ExecOptions{
			Args: []any{ticketID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanLog(stmt)
				if err != nil {
					return err
				}
				return fn(entry)
			},
		})
	})
	if err != nil {
		return fmt.Errorf("store: walk logs for ticket %s: %w", ticketID, err)
	}
	return nil
}
