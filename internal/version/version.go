package version

import "fmt"

// Set at build time with -ldflags "-X github.com/banshee-data/scenechange/internal/version.Version=...".
var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("scenechange %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
