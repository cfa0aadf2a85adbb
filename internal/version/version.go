// Package version carries build metadata stamped in with -ldflags.
package version

import (
	"fmt"
	"strings"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String is the long form printed by `traceview version`.
func String() string {
	return fmt.Sprintf("traceview %s (%s, %s)", Version, Commit, Date)
}

// UserAgent identifies traceview to the recorder it talks to.
func UserAgent() string {
	v := strings.TrimPrefix(strings.TrimSpace(Version), "v")
	if v == "" {
		v = "dev"
	}
	return "traceview/" + v
}
