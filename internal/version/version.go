// Package version reports the svcwatch build, set at link time with
// -ldflags "-X github.com/hazz-dev/svcwatch/internal/version.Version=...".
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build information for --version.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
