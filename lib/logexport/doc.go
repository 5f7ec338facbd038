// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package logexport streams a ticket's persisted analysis log out of
// the store as JSON Lines or as a CBOR sequence, optionally wrapped in
// a zstd or LZ4 frame. Entries are written in persisted order straight
// from the database cursor, so an export never holds the whole log in
// memory.
package logexport
