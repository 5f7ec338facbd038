// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi is the network surface of explain-source: a REST API
// over tickets' analysis logs, sessions, and plans, and a WebSocket
// channel (/ws) that starts and stops analyses and streams every live
// message from the broadcast hub to every connected viewer.
//
// Routing uses chi. Every error response is a JSON object
// {"error": "..."} with a status derived from the error's sentinel:
// store.ErrNotFound is 404, analysis.ErrConflict is 409, validation
// errors are 400, a missing identity is 401, and anything else is a
// logged 500 whose body does not leak the cause.
//
// Plan endpoints act on behalf of a user, resolved by an [Identifier].
// [PasswordIdentifier] accepts HTTP Basic credentials checked against
// bcrypt hashes, and optionally a trusted X-User-ID header.
//
// [HTTPServer] owns the listener lifecycle: Serve blocks until its
// context is cancelled and then drains in-flight requests.
package httpapi
