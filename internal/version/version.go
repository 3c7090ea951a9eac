// Package version carries build metadata stamped in via -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the version for the CLI and the OTel service resource.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
