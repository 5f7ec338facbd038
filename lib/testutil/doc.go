// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so individual tests never call time.After directly.
// They are the only place tests wait on the wall clock; everything
// else goes through lib/clock's fake.
//
// [WriteScript] writes an executable shell script into a test
// directory. Agent runner and session tests use it to stand in for a
// CLI agent with a scripted stdout, stderr, and exit code.
//
// [Logger] returns a slog.Logger that writes through t.Log so log
// output is attached to the test that produced it.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
