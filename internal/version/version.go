package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent is sent with outbound webhook and data source requests.
func UserAgent() string {
	return "flare-signals/" + Version
}

// String renders the build metadata for the version command.
func String() string {
	return fmt.Sprintf("flare %s (commit %s, built %s)", Version, Commit, BuildDate)
}
