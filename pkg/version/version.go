// Package version reports the running build for startup logs and the
// health endpoint.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes every version string.
const AppName = "clipcast"

// commit is injected with -ldflags for container builds where the .git
// directory is stripped. When empty the VCS revision from build info is
// used instead.
var commit string

// GitCommit returns the short (8 character) revision of this build, or
// "dev" when none is recorded (`go test`, non-git checkouts).
var GitCommit = sync.OnceValue(func() string {
	rev := commit
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					rev = setting.Value
					break
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return rev
})

// Full returns "clipcast/<commit>" for logs and user-agent strings.
func Full() string {
	return AppName + "/" + GitCommit()
}
