// Package version provides build-time version information.
package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the version line printed by the taskloop binaries.
func String() string {
	return fmt.Sprintf("taskloop %s (commit %s, built %s)", Version, Commit, BuildDate)
}
