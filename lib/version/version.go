// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"strings"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Name is the program name written into volume labels.
const Name = "mediavault"

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// BuildInfo names the program that wrote a volume.
type BuildInfo struct {
	Name    string
	Version string
	Date    string
}

// Program returns the build information recorded in labels. Date is
// the day part of BuildTime, or BuildTime itself when it carries no
// time of day.
func Program() BuildInfo {
	date, _, _ := strings.Cut(BuildTime, "T")
	return BuildInfo{Name: Name, Version: Version, Date: date}
}
