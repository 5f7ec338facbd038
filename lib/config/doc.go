// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads explain-source server configuration.
//
// Values are layered, each layer overriding the previous one:
//
//  1. [Default]
//  2. environment variables (AGENT_TYPE, CLAUDE_AGENT_PATH,
//     GEMINI_AGENT_TIMEOUT, CURSOR_API_KEY, EXPLAIN_SOURCE_DB, ...)
//  3. the config file, when one is given
//  4. command-line flags registered with [RegisterFlags] that were
//     explicitly set
//
// The config file is YAML, or JSON with comments when its name ends in
// .json or .jsonc. Only keys present in the file override earlier
// layers.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded.
//
// This package depends on no other explain-source packages.
package config
