// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration.
//
// JSON is the format of every external interface (REST bodies, the
// live WebSocket channel, JSON Lines exports). CBOR is offered as a
// compact alternative for bulk log exports, where a ticket may carry
// thousands of entries with large raw lines.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. Same
// logical data always produces identical bytes, so two exports of an
// unchanged log hash the same. Timestamps are encoded as RFC 3339 text
// with nanoseconds so no precision is lost.
//
// Types exported as CBOR carry `json` tags only. fxamacker/cbor v2
// reads `json` tags as fallback when `cbor` tags are absent, so one tag
// controls field naming and omitempty for both formats.
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
package codec
