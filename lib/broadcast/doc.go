// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package broadcast is a single-producer-set, many-receiver fan-out
// with bounded memory.
//
// A [Hub] keeps the last N published values in a ring indexed by a
// monotonically increasing sequence number. Each [Receiver] remembers
// the next sequence it wants. Publishing never blocks on receivers: a
// receiver that falls more than N values behind loses the oldest ones
// it had not read, and the next call to [Receiver.Next] reports how
// many were skipped. Live delivery is therefore at-most-once; callers
// that need the full history read it from storage.
//
// There is one hub per process and no topic partitioning. Receivers
// filter by content if they need to.
package broadcast
