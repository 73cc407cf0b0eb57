package version

// These variables are set at build time via ldflags.
var (
	// Release is the release version.
	Release = "dev"
	// GitCommit is the short git commit hash.
	GitCommit = "unknown"
)
