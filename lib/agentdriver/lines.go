// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// maxLineSize bounds one stdout line. Tool results that embed whole
// files can be large.
const maxLineSize = 16 * 1024 * 1024

// scanLines calls emit for every non-blank line of reader, checking
// ctx before each one. emit returns false to stop early.
func scanLines(ctx context.Context, reader io.Reader, emit func(string) bool) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !emit(line) {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// sendLine delivers line unless ctx ends first.
func sendLine(ctx context.Context, lines chan<- string, line string) bool {
	select {
	case lines <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

// readLines is the ReadOutput of agents whose stdout is already one
// event per line.
func readLines(ctx context.Context, stdout io.Reader, lines chan<- string) error {
	return scanLines(ctx, stdout, func(line string) bool {
		return sendLine(ctx, lines, line)
	})
}
