// Package buildinfo holds build-time version metadata injected via ldflags.
package buildinfo

var (
	// Version is the semantic version, e.g. "0.4.0". Set via ldflags.
	Version = "dev"
	// GitCommit is the short commit hash. Set via ldflags.
	GitCommit = "unknown"
	// BuildTime is the UTC build timestamp. Set via ldflags.
	BuildTime = "unknown"
)
