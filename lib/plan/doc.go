// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package plan implements the collaborative plan workflow for tickets
// in plan mode: users edit the plan content (every edit is kept with
// its before and after text) and vote on it. A plan is ready once the
// number of approving users reaches the ticket's required approvals.
// Readiness is computed from the current votes on every read and never
// stored. Edits do not reset votes.
//
// Changes are broadcast to live viewers as plan-updated and
// plan-approved messages, plus plan-ready when an approval makes the
// plan ready.
package plan
