// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the
// explain-source binary.
//
// Three package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//
// Values not injected fall back to the VCS stamp recorded by the go
// command, and otherwise read "unknown".
//
// [Info] formats them for --version, and [Full] adds the Go toolchain
// and platform, which the server logs once at startup.
package version
