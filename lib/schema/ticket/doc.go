// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package ticket defines the ticket and project records the analysis
// core reads and, for a few fields, writes. Ticket CRUD belongs to a
// separate layer; the session manager only touches IsAnalyzing and
// AnalysisResult, and the plan engine only touches the plan fields.
package ticket
