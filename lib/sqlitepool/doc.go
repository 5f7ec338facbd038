// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// ticket, session, log, and plan stores.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies one set
// of pragmas to every connection:
//
//   - journal_mode=WAL: live viewers paginate logs while a session is
//     appending them; readers never block the writer.
//   - synchronous=NORMAL: committed rows survive a process crash.
//   - busy_timeout=5000: concurrent sessions wait for the write lock
//     instead of failing with SQLITE_BUSY.
//   - foreign_keys=ON: deleting a ticket cascades to its logs,
//     sessions, plan edits, and approvals.
//   - cache_size=-8192 and temp_store=MEMORY.
//
// Callers Take a connection, use it from one goroutine, and Put it
// back. Multi-statement writes go through [Pool.Write], which wraps the
// callback in an IMMEDIATE transaction so the write lock is acquired up
// front:
//
//	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    if err := sqlitex.Execute(conn, insertSession, ...); err != nil {
//	        return err
//	    }
//	    return sqlitex.Execute(conn, markAnalyzing, ...)
//	})
//
// There is no query builder. Stores write SQL and use sqlitex.Execute.
package sqlitepool
