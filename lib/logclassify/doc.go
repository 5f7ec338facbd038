// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

// Package logclassify turns raw agent output lines into typed log
// entries.
//
// Each stdout line of an agent is either a JSON object (the stream
// formats of the Claude, Gemini, and Cursor CLIs) or plain text. JSON
// objects are classified by their type discriminator into one of the
// five [analysis.MessageType] values; anything that fails to parse or
// carries an unrecognised type becomes a system entry. The raw line
// is always kept verbatim next to the extracted human-readable
// content, so no classification decision loses information.
//
// Classification never fails. The package holds no state beyond the
// clock and ID generator, so one [Classifier] can serve every session.
package logclassify
