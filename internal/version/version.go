// Package version holds build-time identifiers injected via -ldflags.
package version

var (
	// Version is the released semantic version, or "dev" for local builds.
	Version = "dev"
	// Commit is the git commit SHA this binary was built from.
	Commit = "unknown"
)
