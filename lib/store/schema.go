// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package store

// schema is applied once at Open. Timestamps are INTEGER Unix
// nanoseconds in UTC.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	directory_path TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'todo'
	                   CHECK (status IN ('todo', 'in-progress', 'done')),
	mode               TEXT NOT NULL DEFAULT 'ask'
	                   CHECK (mode IN ('plan', 'ask', 'edit')),
	code_context       TEXT,
	analysis_result    TEXT,
	is_analyzing       INTEGER NOT NULL DEFAULT 0,
	plan_content       TEXT,
	plan_created_at    INTEGER,
	required_approvals INTEGER NOT NULL DEFAULT 2 CHECK (required_approvals >= 1),
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_sessions (
	id            TEXT PRIMARY KEY,
	ticket_id     TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
	agent         TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	completed_at  INTEGER,
	status        TEXT NOT NULL
	              CHECK (status IN ('running', 'completed', 'failed', 'cancelled')),
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_ticket ON analysis_sessions(ticket_id, started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_running
	ON analysis_sessions(ticket_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS structured_logs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	ticket_id    TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
	message_type TEXT NOT NULL
	             CHECK (message_type IN ('tool_use', 'assistant', 'error', 'system', 'result')),
	content      TEXT NOT NULL,
	raw_log      TEXT,
	metadata     TEXT,
	timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_ticket ON structured_logs(ticket_id, seq);

CREATE TABLE IF NOT EXISTS plan_edits (
	id             TEXT PRIMARY KEY,
	ticket_id      TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
	user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	content_before TEXT NOT NULL,
	content_after  TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plan_edits_ticket ON plan_edits(ticket_id, created_at);

CREATE TABLE IF NOT EXISTS plan_approvals (
	id         TEXT PRIMARY KEY,
	ticket_id  TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	status     TEXT NOT NULL CHECK (status IN ('approved', 'rejected')),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (ticket_id, user_id)
);
`
