// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/ngocp-0847/explain-source/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"

	// Version is the semantic version, set by hand for releases.
	Version = "0.1.0-dev"
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// stamp returns the build stamp. Values not injected through -ldflags
// fall back to the VCS settings the go command records, so a plain
// `go build` inside a checkout still reports its commit.
func stamp() (commit, dirty, built string) {
	commit, dirty, built = GitCommit, GitDirty, BuildTime
	info, ok := readBuildInfo()
	if !ok {
		return commit, dirty, built
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if commit == "unknown" && len(setting.Value) >= 7 {
				commit = setting.Value[:7]
			}
		case "vcs.modified":
			if GitDirty == "false" {
				dirty = setting.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = setting.Value
			}
		}
	}
	return commit, dirty, built
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	commit, dirty, built := stamp()
	marker := ""
	if dirty == "true" {
		marker = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, commit, marker, built)
}

// Full returns Info plus the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s go=%s platform=%s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
