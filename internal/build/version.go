package build

import "fmt"

// Commit is the commit hash the binary was built from, injected at build
// time via ldflags. Empty for local builds.
var Commit string

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// Version returns the application version as a properly formed string.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if Commit != "" {
		version = fmt.Sprintf("%s commit=%s", version, Commit)
	}

	return version
}
