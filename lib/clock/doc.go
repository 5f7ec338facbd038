// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the session
// manager, the agent runner, and the stores.
//
// Production wiring passes Real(). Tests pass Fake(), which only moves
// when Advance is called, so agent timeouts and log timestamps are
// deterministic:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	runner, _ := agentdriver.NewRunner(agentdriver.RunnerConfig{Driver: driver, Clock: c})
//	// ... start a stream ...
//	c.WaitForTimers(1)          // the attempt registered its timeout
//	c.Advance(10 * time.Minute) // fire it
package clock
