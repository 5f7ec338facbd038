// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the explain-source
// binary: reporting a fatal error before or after the structured
// logger exists, and mapping errors to exit codes.
package process
