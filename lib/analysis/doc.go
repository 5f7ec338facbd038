// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package analysis owns the lifecycle of analysis sessions: at most one
// running agent per ticket, every output line classified, persisted,
// and only then broadcast, and exactly one terminal transition per
// session.
//
// Per ticket the state machine is
//
//	Idle -> Starting -> Running -> {Completed | Failed | Cancelled} -> Idle
//
// Starting and Running are represented by an entry in the Manager's
// registry (a sync.Map keyed by ticket ID). Start claims the entry with
// LoadOrStore, so two concurrent starts for one ticket cannot both
// succeed, and starts for different tickets never contend. The
// database backs this with a partial unique index on running sessions.
//
// Each session has a single consumer goroutine that drains the agent
// stream. Because one goroutine does classify, append, and publish in
// sequence, the live order seen by viewers equals the persisted order
// returned by pagination.
//
// The terminal transition is claimed twice: in memory by a
// compare-and-swap on the session handle (consumer finishing versus
// Stop), and in SQL by updating the session row only while its status
// is still running. Whoever wins writes the final state; the loser
// does nothing.
//
// A terminal write that keeps failing leaves the handle registered with
// its verdict parked, matching the row that still says running. No
// terminal message is broadcast until the next Start or Stop for the
// ticket records the parked verdict.
package analysis
