// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the SQLite-backed storage collaborator for the
// analysis core: tickets and projects (read mostly), analysis sessions,
// structured logs, plan edits and approvals, and users.
//
// Write path: every multi-row mutation that must be atomic runs in one
// IMMEDIATE transaction through sqlitepool.Pool.Write. Session creation
// sets the ticket's is_analyzing flag in the same transaction, and
// session finalization is a compare-and-set on status='running' that
// clears the flag and records the analysis result together.
//
// Read path: log pages are served in emission order using the
// autoincrement seq column, never wall-clock timestamps, so two entries
// written within the same nanosecond still keep their order.
//
// The running-session invariant is enforced twice: by the session
// manager's in-memory registry and by a partial unique index on
// analysis_sessions(ticket_id) WHERE status='running'.
package store
