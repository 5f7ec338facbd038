// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentdriver runs external code-analysis CLI agents and turns
// their stdout into a finite stream of lines.
//
// Two layers:
//
//   - Driver: one implementation per agent CLI (Claude Code, Gemini,
//     Cursor). A driver knows how to build the command line and
//     environment for a prompt, how to split stdout into event lines
//     (Gemini merges its streamed assistant fragments here), and which
//     stderr lines mean the run cannot succeed.
//
//   - Runner: the agent-independent supervisor. It resolves the
//     executable, checks the working directory, spawns the process in
//     its own process group, enforces the timeout, retries failed
//     attempts immediately up to the configured budget, and kills the
//     whole group on cancel.
//
// A Stream delivers lines in emission order and is closed exactly once,
// after which Wait returns the Outcome. Streams are not restartable; a
// new analysis is a new Start.
package agentdriver
