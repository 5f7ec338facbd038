// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteScript writes body as an executable /bin/sh script named name
// inside directory and returns its absolute path.
//
//	agent := testutil.WriteScript(t, dir, "fake-claude", `echo '{"type":"result","result":"ok"}'`)
func WriteScript(t testing.TB, directory, name, body string) string {
	t.Helper()
	path := filepath.Join(directory, name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", path, err)
	}
	return path
}
