// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package analysis defines analysis sessions, the structured log
// records produced from agent output, and the envelope pushed to live
// viewers.
//
// The JSON field names are the live channel and REST wire format.
// Types also serialize as CBOR through lib/codec for log export, using
// the json tags as fallback field names.
package analysis
