// Package version holds build information set through -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Name is the program name reported everywhere.
const Name = "rdbrestore"

var (
	// Version is the semantic version of the application
	Version = "dev"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// commit prefers the ldflags value and falls back to the VCS stamp the Go
// toolchain embeds in module builds.
func commit() string {
	if GitCommit != "unknown" && GitCommit != "" {
		return GitCommit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	return GitCommit
}

// Info returns version information as a map
func Info() map[string]string {
	return map[string]string{
		"name":      Name,
		"version":   Version,
		"gitCommit": commit(),
		"buildTime": BuildTime,
		"goVersion": runtime.Version(),
	}
}

// String returns a formatted version string
func String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", Name, Version, commit(), BuildTime, runtime.Version())
}
