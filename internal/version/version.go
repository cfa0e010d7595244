// Package version reports the build version of steward.
package version

import (
	"runtime/debug"
	"strings"
)

// Version is set at link time with -ldflags "-X .../internal/version.Version=v1.2.3".
var Version = ""

// Get returns the linked version, else the module version recorded in the
// build info, else "dev".
func Get() string {
	if v := strings.TrimSpace(Version); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
