// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// explain-source runs agent CLIs against tickets and streams their
// classified output to browsers.
//
//	explain-source serve [--config path] [flags]
//	explain-source user add --username NAME [--password-file path]
//	explain-source version
//
// serve opens the SQLite store, fails sessions left running by a
// previous process, and serves the REST API and the /ws live channel
// until SIGINT or SIGTERM. On shutdown it cancels every running
// analysis (viewers receive analysis-stopped), drains HTTP requests,
// and closes the store.
//
// Configuration layers, lowest precedence first: built-in defaults,
// environment (AGENT_TYPE, CLAUDE_AGENT_PATH, EXPLAIN_SOURCE_DB, ...),
// the --config file (YAML, or JSON with comments when the name ends in
// .json or .jsonc), then command-line flags.
package main
